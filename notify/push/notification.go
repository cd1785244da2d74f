package push

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification is one per-user in-app notification row, bulk-inserted
// during fan-out. Sending to the device happens separately through the
// delivery path.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      string
	Title     string
	Body      string
	Data      map[string]any
	CreatedBy uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewNotification creates a valid notification for one recipient.
func NewNotification(userID uuid.UUID, kind, title, body string, data map[string]any, createdBy uuid.UUID) (*Notification, error) {
	if userID == uuid.Nil {
		return nil, ErrUserIDRequired
	}

	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, ErrKindRequired
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}

	now := time.Now().UTC()

	return &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NotificationStore persists notification rows.
type NotificationStore interface {
	// BulkCreate inserts all rows or none.
	BulkCreate(ctx context.Context, notifications []*Notification) error
}
