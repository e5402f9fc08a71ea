// ABOUTME: Postgres backend for the store using github.com/lib/pq
// ABOUTME: Shares the SQL implementation with SQLite after rewriting the schema types

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// postgresSchema adapts the SQLite schema text for Postgres.
func postgresSchema() string {
	q := strings.ReplaceAll(schema, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	return q
}

// postgresMigrations mirror runSQLiteMigrations; Postgres has IF NOT EXISTS.
var postgresMigrations = []string{
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS is_verified BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS otp TEXT`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS otp_expires_at TEXT`,
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := newSQLStore(db, DialectPostgres)

	if _, err := db.ExecContext(ctx, postgresSchema()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	for _, m := range postgresMigrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	s.logger.Info("Postgres store initialized")
	return s, nil
}

// isUniqueViolation reports a duplicate-key error from either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return isConstraintViolation(err)
}
