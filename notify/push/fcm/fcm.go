// Package fcm adapts Firebase Cloud Messaging to the push.Gateway
// contract: multicast sends with per-token outcomes and classification
// of permanently dead tokens.
package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/andrechristikan/ack-notify/notify/push"
)

// Gateway sends push messages through Firebase Cloud Messaging.
type Gateway struct {
	client *messaging.Client
}

// New creates a gateway from an initialized messaging client. A nil
// client is allowed; every send then reports ErrGatewayUnavailable.
func New(client *messaging.Client) *Gateway {
	return &Gateway{client: client}
}

// Setup initializes a gateway from a service-account credentials file.
func Setup(ctx context.Context, credentialsPath string) (*Gateway, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting messaging client: %w", err)
	}

	return New(client), nil
}

// SendMulticast delivers one message to many device tokens. Per-token
// failures land in the result; only transport-level problems error.
func (gateway *Gateway) SendMulticast(
	ctx context.Context,
	tokens []string,
	message push.Message,
) (push.MulticastResult, error) {
	if gateway == nil || gateway.client == nil {
		return push.MulticastResult{}, push.ErrGatewayUnavailable
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if len(tokens) == 0 {
		return push.MulticastResult{}, nil
	}

	batch, err := gateway.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: message.Title,
			Body:  message.Body,
		},
		Data: message.Data,
	})
	if err != nil {
		return push.MulticastResult{}, fmt.Errorf("fcm multicast send: %w", err)
	}

	result := push.MulticastResult{
		SuccessCount: batch.SuccessCount,
		FailureCount: batch.FailureCount,
		Responses:    make([]push.SendResponse, 0, len(batch.Responses)),
	}

	for index, response := range batch.Responses {
		sendResponse := push.SendResponse{Token: tokens[index]}

		if response.Error != nil {
			sendResponse.Err = classifySendError(response.Error)
		}

		result.Responses = append(result.Responses, sendResponse)
	}

	return result, nil
}

// classifySendError wraps errors that mean the token is permanently
// dead so callers can revoke it; other errors pass through untouched.
func classifySendError(err error) error {
	if messaging.IsUnregistered(err) ||
		messaging.IsInvalidArgument(err) ||
		messaging.IsSenderIDMismatch(err) {
		return fmt.Errorf("%w: %s", push.ErrTokenNotRegistered, err.Error())
	}

	return err
}
