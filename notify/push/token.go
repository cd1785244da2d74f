package push

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token is one device registration for a user. A user may hold several
// at once; revocation is irreversible and re-registration after revoke
// creates a fresh row.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Token     string
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewToken creates a valid active device token.
func NewToken(userID uuid.UUID, deviceToken string) (*Token, error) {
	if userID == uuid.Nil {
		return nil, ErrUserIDRequired
	}

	deviceToken = strings.TrimSpace(deviceToken)
	if deviceToken == "" {
		return nil, ErrTokenRequired
	}

	now := time.Now().UTC()

	return &Token{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     deviceToken,
		Revoked:   false,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TokenStore persists device tokens.
type TokenStore interface {
	// Save upserts the registration: re-registering an already revoked
	// token value for the same user reactivates it.
	Save(ctx context.Context, token *Token) (*Token, error)

	// ListActiveByUser returns the user's non-revoked tokens.
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Token, error)

	// Revoke marks the token value revoked for the user. Revoking an
	// unknown token returns ErrTokenNotFound.
	Revoke(ctx context.Context, userID uuid.UUID, deviceToken string) error
}
