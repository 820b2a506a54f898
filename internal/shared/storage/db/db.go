package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
	"github.com/sethvargo/go-retry"

	"deckcheck/internal/shared/config"
	"deckcheck/internal/shared/telemetry"
)

// Options controls the run-log connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	// ConnectAttempts bounds how many pings Connect tries before giving up.
	ConnectAttempts int
	// RetryBase is the first backoff delay between connect attempts.
	RetryBase time.Duration
}

var openDB = sql.Open

// ServerOptions sizes the pool for cmd/api. The pipeline writes one row per
// transition, so a handful of connections is plenty.
func ServerOptions(cfg config.Config) Options {
	maxOpen := cfg.DBMaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	return Options{
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxOpen / 2,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     cfg.DBPingTimeout,
		ConnectAttempts: cfg.DBConnAttempts,
		RetryBase:       500 * time.Millisecond,
	}
}

// MigrateOptions returns a single-connection pool for cmd/migrate.
func MigrateOptions(cfg config.Config) Options {
	return Options{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     cfg.DBPingTimeout,
		ConnectAttempts: cfg.DBConnAttempts,
		RetryBase:       500 * time.Millisecond,
	}
}

// Connect opens the run-log database and pings it, retrying with exponential
// backoff while the server comes up. The returned *sql.DB is shared by callers.
func Connect(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applyOptions(db, opts)

	attempt := 0
	err = retry.Do(ctx, connectBackoff(opts), func(ctx context.Context) error {
		attempt++
		if err := ping(ctx, db, opts.PingTimeout); err != nil {
			telemetry.Warn("db.ping_failed", map[string]any{"attempt": attempt, "error": err})
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database after %d attempts: %w", attempt, err)
	}

	logPoolStats(db, "db.init")
	return db, nil
}

func connectBackoff(opts Options) retry.Backoff {
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(10*time.Second, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

func ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.PingContext(pingCtx)
}

func applyOptions(db *sql.DB, opts Options) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 1
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
}

func logPoolStats(db *sql.DB, label string) {
	stats := db.Stats()
	telemetry.Info(label, map[string]any{
		"open":     stats.OpenConnections,
		"in_use":   stats.InUse,
		"idle":     stats.Idle,
		"max_open": stats.MaxOpenConnections,
	})
}
