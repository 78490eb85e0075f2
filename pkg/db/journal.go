package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:journal"

// DefaultListLimit caps ListOutcomes when no limit is given.
const DefaultListLimit = 100

// Repository writes and reads the directive journal.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordOutcomeParams holds parameters for RecordOutcome.
type RecordOutcomeParams struct {
	MessageID       string
	Namespace       string
	Name            string
	DialogRequestID string
	Status          string
	Reason          string
}

// RecordOutcome appends one terminal directive outcome.
func (r *Repository) RecordOutcome(ctx context.Context, params RecordOutcomeParams) (*OutcomeRecord, error) {
	slog.Debug(fmt.Sprintf("%s - RecordOutcome messageId=%s status=%s", repoLogPrefix, params.MessageID, params.Status))

	row := r.pool.QueryRow(ctx,
		`INSERT INTO directive_outcomes (message_id, namespace, name, dialog_request_id, status, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, message_id, namespace, name, dialog_request_id, status, reason, recorded_at`,
		params.MessageID, params.Namespace, params.Name,
		nullable(params.DialogRequestID), params.Status, nullable(params.Reason))

	rec, err := scanOutcome(row)
	if err != nil {
		return nil, fmt.Errorf("%s - RecordOutcome failed: %w", repoLogPrefix, err)
	}
	return rec, nil
}

// RecordSendParams holds parameters for RecordSend.
type RecordSendParams struct {
	MessageID string
	Namespace string
	Name      string
	Status    string
	Error     string
}

// RecordSend appends one event send completion.
func (r *Repository) RecordSend(ctx context.Context, params RecordSendParams) (*SendRecord, error) {
	slog.Debug(fmt.Sprintf("%s - RecordSend messageId=%s status=%s", repoLogPrefix, params.MessageID, params.Status))

	var s SendRecord
	err := r.pool.QueryRow(ctx,
		`INSERT INTO event_sends (message_id, namespace, name, status, error)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, message_id, namespace, name, status, error, sent_at`,
		params.MessageID, params.Namespace, params.Name, params.Status, nullable(params.Error),
	).Scan(&s.ID, &s.MessageID, &s.Namespace, &s.Name, &s.Status, &s.Error, &s.SentAt)
	if err != nil {
		return nil, fmt.Errorf("%s - RecordSend failed: %w", repoLogPrefix, err)
	}
	return &s, nil
}

// OutcomeFilter narrows ListOutcomes. Empty fields match everything.
type OutcomeFilter struct {
	Namespace string
	Status    string
	Limit     int
}

// ListOutcomes returns journal outcomes, newest first.
func (r *Repository) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]OutcomeRecord, error) {
	query, args := buildOutcomeQuery(filter)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - ListOutcomes query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("%s - ListOutcomes scan failed: %w", repoLogPrefix, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListOutcomes rows: %w", repoLogPrefix, err)
	}
	return out, nil
}

// CountOutcomes returns the number of outcomes per status.
func (r *Repository) CountOutcomes(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*)::int FROM directive_outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%s - CountOutcomes query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%s - CountOutcomes scan failed: %w", repoLogPrefix, err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func buildOutcomeQuery(filter OutcomeFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, message_id, namespace, name, dialog_request_id, status, reason, recorded_at
		 FROM directive_outcomes`)

	var conds []string
	var args []any
	if filter.Namespace != "" {
		args = append(args, filter.Namespace)
		conds = append(conds, fmt.Sprintf("namespace = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY recorded_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

func scanOutcome(row pgx.Row) (*OutcomeRecord, error) {
	var o OutcomeRecord
	if err := row.Scan(
		&o.ID, &o.MessageID, &o.Namespace, &o.Name,
		&o.DialogRequestID, &o.Status, &o.Reason, &o.RecordedAt,
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
