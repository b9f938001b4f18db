// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect captures the few SQL differences between the supported engines.
// Queries use $n placeholders, which both drivers accept.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// LockClause is appended to a SELECT that starts a read-modify-write.
// SQLite has no row locks; its single connection serializes writers.
func (d Dialect) LockClause() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// DB pairs a connection pool with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured SQL backend and applies migrations.
func Open(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		return openPostgres(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*DB, error) {
	log.Info().Str("host", cfg.Host).Str("name", cfg.Name).Str("user", cfg.User).Msg("connecting to postgres")

	sqlDB, err := sql.Open("postgres", cfg.DataSource())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	d := &DB{DB: sqlDB, Dialect: Postgres}
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info().Msg("connected to database")
	return d, nil
}

func openSQLite(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	sqlDB, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if cfg.BusyTimeout > 0 {
		_, _ = sqlDB.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	log.Info().Str("path", path).Msg("opened sqlite database")
	return sqlDB, nil
}

// OpenSQLite opens and migrates a SQLite database. Tests use it with
// ":memory:".
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: keeps :memory: databases alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	_, _ = sqlDB.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = sqlDB.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	d := &DB{DB: sqlDB, Dialect: SQLite}
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Migrate applies the embedded schema for the dialect. Statements are
// idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(d.Dialect) + ".sql")
	if err != nil {
		return err
	}
	if _, err := d.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", d.Dialect, err)
	}
	return nil
}
