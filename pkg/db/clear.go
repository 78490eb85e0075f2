package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearJournal removes every journal row. Schema is preserved; RESTART IDENTITY resets ids.
func ClearJournal(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing journal tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE directive_outcomes, event_sends RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Journal cleared", clearLogPrefix))
	return nil
}
