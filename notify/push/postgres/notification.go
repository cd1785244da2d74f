package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	notifypg "github.com/andrechristikan/ack-notify/notify/postgres"
	"github.com/andrechristikan/ack-notify/notify/push"
)

// NotificationStore implements push.NotificationStore on PostgreSQL.
type NotificationStore struct {
	conn      *notifypg.Connection
	tableName string
}

// NewNotificationStore creates a notification store.
func NewNotificationStore(conn *notifypg.Connection) (*NotificationStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &NotificationStore{conn: conn, tableName: "notifications"}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// BulkCreate inserts all notification rows in one statement inside a
// transaction, so a batch lands entirely or not at all.
func (store *NotificationStore) BulkCreate(ctx context.Context, notifications []*push.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if len(notifications) == 0 {
		return nil
	}

	for _, notification := range notifications {
		if err := validateNotification(notification); err != nil {
			return err
		}
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	const columnsPerRow = 9

	var placeholders strings.Builder

	args := make([]any, 0, len(notifications)*columnsPerRow)

	for index, notification := range notifications {
		data, marshalErr := marshalData(notification.Data)
		if marshalErr != nil {
			return marshalErr
		}

		if index > 0 {
			placeholders.WriteString(", ")
		}

		base := index * columnsPerRow

		placeholders.WriteString("(")

		for column := 1; column <= columnsPerRow; column++ {
			if column > 1 {
				placeholders.WriteString(", ")
			}

			fmt.Fprintf(&placeholders, "$%d", base+column)
		}

		placeholders.WriteString(")")

		createdAt := notification.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		args = append(args,
			notification.ID,
			notification.UserID,
			notification.Kind,
			notification.Title,
			notification.Body,
			data,
			notification.CreatedBy,
			createdAt,
			createdAt,
		)
	}

	table := quoteIdentifier(store.tableName)
	query := "INSERT INTO " + table +
		" (id, user_id, kind, title, body, data, created_by, created_at, updated_at) VALUES " +
		placeholders.String()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting notifications: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func validateNotification(notification *push.Notification) error {
	if notification == nil {
		return push.ErrNotificationRequired
	}

	if notification.ID == uuid.Nil || notification.UserID == uuid.Nil {
		return push.ErrUserIDRequired
	}

	if strings.TrimSpace(notification.Kind) == "" {
		return push.ErrKindRequired
	}

	if strings.TrimSpace(notification.Title) == "" {
		return push.ErrTitleRequired
	}

	return nil
}

func marshalData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return []byte("{}"), nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding notification data: %w", err)
	}

	return raw, nil
}
