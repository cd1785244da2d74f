package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelPush is the only delivery channel this module ships.
const ChannelPush = "push"

// DeliveryStatus tracks the outcome of one send attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// IsValid reports whether the status is a known delivery state.
func (status DeliveryStatus) IsValid() bool {
	switch status {
	case DeliveryPending, DeliverySent, DeliveryFailed:
		return true
	default:
		return false
	}
}

// Delivery is an audit record of one push send attempt. NotificationID
// is null when the send was not tied to a stored notification row.
type Delivery struct {
	ID             uuid.UUID
	NotificationID uuid.NullUUID
	UserID         uuid.UUID
	Channel        string
	Status         DeliveryStatus
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewDelivery creates a pending push delivery record.
func NewDelivery(userID uuid.UUID, notificationID uuid.NullUUID) (*Delivery, error) {
	if userID == uuid.Nil {
		return nil, ErrUserIDRequired
	}

	now := time.Now().UTC()

	return &Delivery{
		ID:             uuid.New(),
		NotificationID: notificationID,
		UserID:         userID,
		Channel:        ChannelPush,
		Status:         DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// DeliveryStore persists delivery records.
type DeliveryStore interface {
	Create(ctx context.Context, delivery *Delivery) (*Delivery, error)

	// MarkSent settles a pending delivery as sent.
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkFailed settles a pending delivery as failed with a reason.
	MarkFailed(ctx context.Context, id uuid.UUID, now time.Time, reason string) error
}

// StringifyData flattens a JSON-ish data map into the string-to-string
// form push transports require. Non-string values keep their JSON
// rendering.
func StringifyData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}

	out := make(map[string]string, len(data))

	for key, value := range data {
		switch typed := value.(type) {
		case string:
			out[key] = typed
		case fmt.Stringer:
			out[key] = typed.String()
		case nil:
			out[key] = ""
		case bool, int, int32, int64, float32, float64:
			out[key] = fmt.Sprintf("%v", typed)
		default:
			raw, err := json.Marshal(typed)
			if err != nil {
				out[key] = fmt.Sprintf("%v", typed)

				continue
			}

			out[key] = string(raw)
		}
	}

	return out
}
