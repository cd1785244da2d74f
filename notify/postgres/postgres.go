// Package postgres maintains the shared PostgreSQL connection hub: a
// primary/replica resolver built on pgx's database/sql driver, with
// schema migrations applied against the primary on connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/andrechristikan/ack-notify/notify/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrConnectionStringRequired = errors.New("postgres connection string is required")
	ErrNotConnected             = errors.New("postgres connection is not established")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub which deals with postgres connections. When a
// replica connection string is absent the primary serves both roles.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	AllowMultiStatements    bool
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	primaryDB    *sql.DB
	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs migrations on the
// primary, and verifies connectivity with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if strings.TrimSpace(conn.ConnectionStringPrimary) == "" {
		return ErrConnectionStringRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.connectionDB != nil {
		if err := conn.closeLocked(); err != nil {
			log.SafeError(conn.Logger, ctx, "failed to close previous connection before reconnect", err)
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := sql.Open("pgx", conn.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeConnectionError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to open primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	tunePool(dbPrimary, conn.MaxOpenConnections, conn.MaxIdleConnections)

	replicaDSN := conn.ConnectionStringReplica
	if strings.TrimSpace(replicaDSN) == "" {
		replicaDSN = conn.ConnectionStringPrimary
	}

	dbReplica, err := sql.Open("pgx", replicaDSN)
	if err != nil {
		sanitized := sanitizeConnectionError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to open replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	tunePool(dbReplica, conn.MaxOpenConnections, conn.MaxIdleConnections)

	connectionDB, err := newResolver(dbPrimary, dbReplica)
	if err != nil {
		log.SafeError(conn.Logger, ctx, "failed to create resolver", err)

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if conn.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(conn.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrations(ctx, dbPrimary, migrationsPath, conn.PrimaryDBName, conn.AllowMultiStatements, conn.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		log.SafeError(conn.Logger, ctx, "failed to ping database", err)

		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.primaryDB = dbPrimary
	conn.connectionDB = connectionDB
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, connecting lazily if necessary.
func (conn *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.connectionDB != nil {
		db := conn.connectionDB
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.connectionDB != nil {
		return conn.connectionDB, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.connectionDB, nil
}

// PrimaryDB returns the write pool. Conditional state-machine updates
// must run here rather than on a replica.
func (conn *Connection) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	conn.mu.RLock()

	if conn.primaryDB != nil {
		db := conn.primaryDB
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.primaryDB != nil {
		return conn.primaryDB, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	if conn.primaryDB == nil {
		return nil, ErrNotConnected
	}

	return conn.primaryDB, nil
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.connectionDB == nil {
		return nil
	}

	err := conn.connectionDB.Close()
	conn.connectionDB = nil
	conn.primaryDB = nil
	conn.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func newResolver(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("failed to create resolver: %v", recovered)
		}
	}()

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(primaryDB),
		dbresolver.WithReplicaDBs(replicaDB),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if connectionDB == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return connectionDB, nil
}

func sanitizeConnectionError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(
	ctx context.Context,
	dbPrimary *sql.DB,
	migrationsPath string,
	primaryDBName string,
	allowMultiStatements bool,
	logger log.Logger,
) error {
	if err := validateDBName(primaryDBName); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(dbPrimary, &migratepg.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          primaryDBName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migration, err := migrate.NewWithDatabaseInstance(sourceURL.String(), primaryDBName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migration.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}
