// Package database provides the relational store client (SQLite or
// PostgreSQL) and migration utilities.
package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "modernc.org/sqlite"             // Register cgo-free sqlite driver

	"github.com/kbforge/kbforge/pkg/config"
)

// Client wraps the sqlx handle together with the active driver profile.
type Client struct {
	db     *sqlx.DB
	driver config.DatabaseDriver
}

// DB returns the underlying sqlx handle.
func (c *Client) DB() *sqlx.DB { return c.db }

// Driver returns the active driver profile.
func (c *Client) Driver() config.DatabaseDriver { return c.driver }

// Close closes the database connection.
func (c *Client) Close() error { return c.db.Close() }

// NewClientFromDB wraps an existing sqlx handle (useful for testing).
func NewClientFromDB(db *sqlx.DB, driver config.DatabaseDriver) *Client {
	return &Client{db: db, driver: driver}
}

// NewClient opens a connection for the configured driver profile, applies
// driver-specific tuning, and runs pending migrations.
func NewClient(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case config.DriverSQLite:
		db, err = openSQLite(ctx, cfg)
	case config.DriverPostgres:
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{db: db, driver: cfg.Driver}
	if err := runMigrations(client); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return client, nil
}

// openSQLite opens the file-backed profile with WAL journaling,
// synchronous=NORMAL, foreign keys on, and a 64 MB page cache.
func openSQLite(ctx context.Context, cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// WAL allows one writer with concurrent readers; a single connection
	// avoids SQLITE_BUSY between the pool's writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-65536",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// openPostgres opens the pooled profile via the pgx stdlib driver.
func openPostgres(_ context.Context, cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.PoolOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// PostgresDSN builds the pgx-compatible connection string, tagging
// connections with application_name for server-side observability.
func PostgresDSN(cfg *config.DatabaseConfig) string {
	password := os.Getenv(cfg.PasswordEnv)
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=kbforge default_transaction_isolation='read committed'",
		cfg.Host, cfg.Port, cfg.User, password, cfg.Database, cfg.SSLMode,
	)
}

// Now returns the current time truncated to microseconds, the finest
// precision both driver profiles round-trip losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
