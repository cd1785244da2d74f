// Package postgres implements the push domain stores: device tokens,
// notifications, and delivery records.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	notifypg "github.com/andrechristikan/ack-notify/notify/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("push store not initialized")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Stores bundles the three push store implementations over one
// connection hub.
type Stores struct {
	Tokens        *TokenStore
	Notifications *NotificationStore
	Deliveries    *DeliveryStore
}

// NewStores creates all push stores with default table names.
func NewStores(conn *notifypg.Connection) (*Stores, error) {
	tokens, err := NewTokenStore(conn)
	if err != nil {
		return nil, err
	}

	notifications, err := NewNotificationStore(conn)
	if err != nil {
		return nil, err
	}

	deliveries, err := NewDeliveryStore(conn)
	if err != nil {
		return nil, err
	}

	return &Stores{
		Tokens:        tokens,
		Notifications: notifications,
		Deliveries:    deliveries,
	}, nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, errors.New("nil sql result")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
