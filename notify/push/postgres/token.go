package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	notifypg "github.com/andrechristikan/ack-notify/notify/postgres"
	"github.com/andrechristikan/ack-notify/notify/push"
)

const tokenColumns = "id, user_id, token, revoked, created_at, updated_at"

// TokenStore implements push.TokenStore on PostgreSQL.
type TokenStore struct {
	conn      *notifypg.Connection
	tableName string
}

// NewTokenStore creates a device token store.
func NewTokenStore(conn *notifypg.Connection) (*TokenStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &TokenStore{conn: conn, tableName: "push_tokens"}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Save upserts a device registration. The (user_id, token) pair is
// unique; re-registering flips revoked back to false.
func (store *TokenStore) Save(ctx context.Context, token *push.Token) (*push.Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return nil, ErrStoreNotInitialized
	}

	if token == nil || strings.TrimSpace(token.Token) == "" {
		return nil, push.ErrTokenRequired
	}

	if token.UserID == uuid.Nil {
		return nil, push.ErrUserIDRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	table := quoteIdentifier(store.tableName)
	query := "INSERT INTO " + table + " (id, user_id, token, revoked, created_at, updated_at)" +
		" VALUES ($1, $2, $3, false, $4, $4)" +
		" ON CONFLICT (user_id, token) DO UPDATE SET revoked = false, updated_at = $4" +
		" RETURNING " + tokenColumns

	saved, err := scanToken(db.QueryRowContext(ctx, query, token.ID, token.UserID, token.Token, now))
	if err != nil {
		return nil, fmt.Errorf("saving push token: %w", err)
	}

	return saved, nil
}

// ListActiveByUser returns the user's non-revoked tokens, oldest first.
func (store *TokenStore) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return nil, ErrStoreNotInitialized
	}

	if userID == uuid.Nil {
		return nil, push.ErrUserIDRequired
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifier(store.tableName)
	query := "SELECT " + tokenColumns + " FROM " + table +
		" WHERE user_id = $1 AND revoked = false ORDER BY created_at ASC"

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing push tokens: %w", err)
	}

	defer rows.Close()

	tokens := make([]*push.Token, 0)

	for rows.Next() {
		token, scanErr := scanToken(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning push token: %w", scanErr)
		}

		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return tokens, nil
}

// Revoke marks a token value revoked for the user.
func (store *TokenStore) Revoke(ctx context.Context, userID uuid.UUID, deviceToken string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if userID == uuid.Nil {
		return push.ErrUserIDRequired
	}

	if strings.TrimSpace(deviceToken) == "" {
		return push.ErrTokenRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifier(store.tableName)
	query := "UPDATE " + table + " SET revoked = true, updated_at = $1" +
		" WHERE user_id = $2 AND token = $3 AND revoked = false"

	result, err := db.ExecContext(ctx, query, time.Now().UTC(), userID, deviceToken)
	if err != nil {
		return fmt.Errorf("revoking push token: %w", err)
	}

	affected, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if affected == 0 {
		return push.ErrTokenNotFound
	}

	return nil
}

func scanToken(scanner interface{ Scan(dest ...any) error }) (*push.Token, error) {
	var token push.Token

	if err := scanner.Scan(
		&token.ID,
		&token.UserID,
		&token.Token,
		&token.Revoked,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &token, nil
}
