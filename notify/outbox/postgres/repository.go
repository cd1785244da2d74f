// Package postgres persists outbox events in PostgreSQL. Every state
// transition is a single conditional UPDATE guarded by the current
// status, checked through rows-affected, so racing workers across
// processes resolve on the database row itself.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andrechristikan/ack-notify/notify/log"
	"github.com/andrechristikan/ack-notify/notify/outbox"
	notifypg "github.com/andrechristikan/ack-notify/notify/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("outbox store not initialized")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrIDRequired          = errors.New("id is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	outboxColumns = "id, event_type, payload, status, attempts, last_error, next_run_at, created_by, created_at, updated_at"
)

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger == nil {
			return
		}

		store.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store implements outbox.Store on PostgreSQL.
type Store struct {
	conn      *notifypg.Connection
	logger    log.Logger
	tableName string
}

// NewStore creates a PostgreSQL outbox store.
func NewStore(conn *notifypg.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: "outbox_events",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "outbox_events"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Create inserts a new pending event and returns the stored row.
func (store *Store) Create(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if err := validateCreateEvent(event); err != nil {
		return nil, err
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	nextRunAt := event.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = createdAt
	}

	table := quoteIdentifierPath(store.tableName)
	query := "INSERT INTO " + table +
		" (id, event_type, payload, status, attempts, last_error, next_run_at, created_by, created_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING " + outboxColumns

	row := db.QueryRowContext(ctx, query,
		event.ID,
		string(event.EventType),
		[]byte(event.Payload),
		outbox.StatusPending.String(),
		0,
		"",
		nextRunAt,
		event.CreatedBy,
		createdAt,
		createdAt,
	)

	created, err := scanEvent(row)
	if err != nil {
		store.logError(ctx, "failed to create outbox event", err)

		return nil, fmt.Errorf("creating outbox event: %w", err)
	}

	return created, nil
}

// FindPending returns due pending events up to limit, oldest first.
//
// This read feeds the reconciliation sweep only; it takes no locks and
// changes no state. Claiming stays with TryClaim.
func (store *Store) FindPending(ctx context.Context, limit int, now time.Time) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = $1 AND next_run_at <= $2 ORDER BY next_run_at ASC, created_at ASC LIMIT $3"

	rows, err := db.QueryContext(ctx, query, outbox.StatusPending.String(), now, limit)
	if err != nil {
		store.logError(ctx, "failed to query pending outbox events", err)

		return nil, fmt.Errorf("querying pending events: %w", err)
	}

	defer rows.Close()

	events := make([]*outbox.Event, 0, limit)

	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", scanErr)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return events, nil
}

// FindByID retrieves an outbox event by id.
func (store *Store) FindByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	// Read from the primary: a worker looks the event up immediately
	// after claiming it, and a stale replica row would replay old state.
	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

	event, err := scanEvent(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEventNotFound
		}

		store.logError(ctx, "failed to get outbox event", err)

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return event, nil
}

// TryClaim attempts the PENDING -> PROCESSING transition for a due event.
// A zero rows-affected result is a lost race, not an error.
func (store *Store) TryClaim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return false, ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusPendingRaw, outbox.StatusProcessingRaw); err != nil {
		return false, fmt.Errorf("claim transition: %w", err)
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return false, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table + " SET status = $1, updated_at = $2" +
		" WHERE id = $3 AND status = $4 AND next_run_at <= $5"

	result, err := db.ExecContext(ctx, query,
		outbox.StatusProcessing.String(),
		now,
		id,
		outbox.StatusPending.String(),
		now,
	)
	if err != nil {
		store.logError(ctx, "failed to claim outbox event", err)

		return false, fmt.Errorf("claiming outbox event: %w", err)
	}

	affected, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// MarkProcessed settles a claimed event as done and clears its error.
func (store *Store) MarkProcessed(ctx context.Context, id uuid.UUID, now time.Time) error {
	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusProcessedRaw); err != nil {
		return fmt.Errorf("mark processed transition: %w", err)
	}

	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table + " SET status = $1, last_error = '', updated_at = $2" +
		" WHERE id = $3 AND status = $4"

	return store.execTransition(ctx, id, "marking processed", query,
		outbox.StatusProcessed.String(), now, id, outbox.StatusProcessing.String(),
	)
}

// MarkRetry returns a claimed event to the pending pool with the given
// next run time, recording the failure.
func (store *Store) MarkRetry(ctx context.Context, id uuid.UUID, now, nextRunAt time.Time, errMsg string) error {
	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusPendingRaw); err != nil {
		return fmt.Errorf("mark retry transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table + " SET status = $1, attempts = attempts + 1, last_error = $2," +
		" next_run_at = $3, updated_at = $4 WHERE id = $5 AND status = $6"

	return store.execTransition(ctx, id, "marking retry", query,
		outbox.StatusPending.String(), errMsg, nextRunAt, now, id, outbox.StatusProcessing.String(),
	)
}

// MarkFailed settles a claimed event terminally, recording the failure.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, now time.Time, errMsg string) error {
	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusFailedRaw); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table + " SET status = $1, attempts = attempts + 1, last_error = $2," +
		" updated_at = $3 WHERE id = $4 AND status = $5"

	return store.execTransition(ctx, id, "marking failed", query,
		outbox.StatusFailed.String(), errMsg, now, id, outbox.StatusProcessing.String(),
	)
}

func (store *Store) execTransition(ctx context.Context, id uuid.UUID, action, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		store.logError(ctx, "failed "+action, err)

		return fmt.Errorf("%s: %w", action, err)
	}

	affected, err := rowsAffected(result)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	if affected == 0 {
		return fmt.Errorf("%s: %w", action, outbox.ErrTransitionInvalid)
	}

	return nil
}

func (store *Store) initialized() bool {
	return store != nil && store.conn != nil
}

func (store *Store) logError(ctx context.Context, message string, err error) {
	if store.logger == nil || err == nil {
		return
	}

	store.logger.Log(ctx, log.LevelError, message,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())),
	)
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event     outbox.Event
		eventType string
		status    string
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&event.ID,
		&eventType,
		&event.Payload,
		&status,
		&event.Attempts,
		&lastError,
		&event.NextRunAt,
		&event.CreatedBy,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox event: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox event status: %w", err)
	}

	event.EventType = outbox.EventType(eventType)
	event.Status = parsed

	if lastError.Valid {
		event.LastError = lastError.String
	}

	return &event, nil
}

func validateCreateEvent(event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	if event.ID == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(string(event.EventType)) == "" {
		return outbox.ErrEventTypeRequired
	}

	if len(event.Payload) == 0 {
		return outbox.ErrEventPayloadRequired
	}

	if len(event.Payload) > outbox.DefaultMaxPayloadBytes {
		return outbox.ErrEventPayloadTooLarge
	}

	return nil
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

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
