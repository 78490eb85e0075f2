// Package db provides the optional Postgres journal of directive outcomes and event sends.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	// The journal is written from result callbacks; a small pool is enough.
	config.MaxConns = 8
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies SQL migration files in order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFiles []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrationFiles)))

	for i, sql := range migrationFiles {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", logPrefix, i+1, err)
		}
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// journalTables are created by the first migration.
var journalTables = []string{"directive_outcomes", "event_sends"}

// SchemaPresent reports whether every journal table exists.
func SchemaPresent(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	var count int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*)::int FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name = ANY($1)`, journalTables).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%s - failed to check schema: %w", logPrefix, err)
	}
	return count == len(journalTables), nil
}

// MigrationStatus prints whether the journal schema has been applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	present, err := SchemaPresent(ctx, pool)
	if err != nil {
		return err
	}

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", logPrefix, err)
	}

	if present {
		fmt.Printf("Migration status: applied (journal schema present, %d migration files in %s)\n", len(files), migrationPath)
	} else {
		fmt.Printf("Migration status: not applied (run 'directived migrate up'). %d migration files in %s\n", len(files), migrationPath)
	}
	return nil
}

// MigrationDown is not supported: migrations are forward-only. It prints a message and returns nil.
func MigrationDown(_ context.Context, _ *pgxpool.Pool, _ string) error {
	fmt.Println("Migration down: not supported (migrations are forward-only). Use 'directived clear' to empty the journal.")
	return nil
}
