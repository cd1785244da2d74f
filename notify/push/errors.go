package push

import "errors"

var (
	ErrTokenRequired        = errors.New("push: device token is required")
	ErrTokenNotFound        = errors.New("push: device token not found")
	ErrUserIDRequired       = errors.New("push: user id is required")
	ErrNotificationRequired = errors.New("push: notification is required")
	ErrDeliveryRequired     = errors.New("push: delivery is required")
	ErrDeliveryNotFound     = errors.New("push: delivery not found")
	ErrKindRequired         = errors.New("push: notification kind is required")
	ErrTitleRequired        = errors.New("push: notification title is required")

	// ErrGatewayUnavailable means the push gateway was never configured or
	// could not be initialized. It is a deployment condition, not a
	// per-message failure, so callers settle instead of retrying.
	ErrGatewayUnavailable = errors.New("push: gateway unavailable")

	// ErrTokenNotRegistered classifies per-token send failures that mean
	// the token is permanently dead and should be revoked.
	ErrTokenNotRegistered = errors.New("push: token not registered")

	ErrTokenStoreRequired        = errors.New("push: token store is required")
	ErrDeliveryStoreRequired     = errors.New("push: delivery store is required")
	ErrNotificationStoreRequired = errors.New("push: notification store is required")
)
