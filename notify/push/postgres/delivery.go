package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	notifypg "github.com/andrechristikan/ack-notify/notify/postgres"
	"github.com/andrechristikan/ack-notify/notify/push"
)

const deliveryColumns = "id, notification_id, user_id, channel, status, error, created_at, updated_at"

// DeliveryStore implements push.DeliveryStore on PostgreSQL.
type DeliveryStore struct {
	conn      *notifypg.Connection
	tableName string
}

// NewDeliveryStore creates a delivery record store.
func NewDeliveryStore(conn *notifypg.Connection) (*DeliveryStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &DeliveryStore{conn: conn, tableName: "notification_deliveries"}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Create inserts a pending delivery record.
func (store *DeliveryStore) Create(ctx context.Context, delivery *push.Delivery) (*push.Delivery, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return nil, ErrStoreNotInitialized
	}

	if delivery == nil {
		return nil, push.ErrDeliveryRequired
	}

	if delivery.ID == uuid.Nil || delivery.UserID == uuid.Nil {
		return nil, push.ErrUserIDRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	createdAt := delivery.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	channel := delivery.Channel
	if channel == "" {
		channel = push.ChannelPush
	}

	table := quoteIdentifier(store.tableName)
	query := "INSERT INTO " + table +
		" (id, notification_id, user_id, channel, status, error, created_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, '', $6, $6) RETURNING " + deliveryColumns

	created, err := scanDelivery(db.QueryRowContext(ctx, query,
		delivery.ID,
		delivery.NotificationID,
		delivery.UserID,
		channel,
		string(push.DeliveryPending),
		createdAt,
	))
	if err != nil {
		return nil, fmt.Errorf("creating delivery: %w", err)
	}

	return created, nil
}

// MarkSent settles a pending delivery as sent.
func (store *DeliveryStore) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	return store.settle(ctx, id, now, push.DeliverySent, "")
}

// MarkFailed settles a pending delivery as failed with a reason.
func (store *DeliveryStore) MarkFailed(ctx context.Context, id uuid.UUID, now time.Time, reason string) error {
	return store.settle(ctx, id, now, push.DeliveryFailed, reason)
}

func (store *DeliveryStore) settle(
	ctx context.Context,
	id uuid.UUID,
	now time.Time,
	status push.DeliveryStatus,
	reason string,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return push.ErrDeliveryRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifier(store.tableName)
	query := "UPDATE " + table + " SET status = $1, error = $2, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := db.ExecContext(ctx, query,
		string(status),
		reason,
		now,
		id,
		string(push.DeliveryPending),
	)
	if err != nil {
		return fmt.Errorf("settling delivery: %w", err)
	}

	affected, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if affected == 0 {
		return push.ErrDeliveryNotFound
	}

	return nil
}

func scanDelivery(scanner interface{ Scan(dest ...any) error }) (*push.Delivery, error) {
	var (
		delivery push.Delivery
		status   string
		errMsg   sql.NullString
	)

	if err := scanner.Scan(
		&delivery.ID,
		&delivery.NotificationID,
		&delivery.UserID,
		&delivery.Channel,
		&status,
		&errMsg,
		&delivery.CreatedAt,
		&delivery.UpdatedAt,
	); err != nil {
		return nil, err
	}

	delivery.Status = push.DeliveryStatus(status)

	if errMsg.Valid {
		delivery.Error = errMsg.String
	}

	return &delivery, nil
}
