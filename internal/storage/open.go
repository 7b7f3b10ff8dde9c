package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// Open initializes the configured store and applies migrations.
// An unreachable database is an error; callers treat it as fatal at startup.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "none":
		return nil, ErrDisabled
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + d)
	}
}

// NewWithDB wraps an already-open handle. The schema is not migrated;
// use it with sqlmock or with a database migrated elsewhere.
func NewWithDB(db *sql.DB, driver string, log logx.Logger) (Store, error) {
	var d dialect
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		d = dialectSQLite
	case "postgres", "postgresql", "pg":
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return newSQLStore(db, d, log), nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func pingWithTimeout(ctx context.Context, db *sql.DB, d time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return db.PingContext(pctx)
}

// rebind rewrites "?" placeholders to "$1..$n" for postgres.
func rebind(d dialect, q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
