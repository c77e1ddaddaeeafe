package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_model_calls (
	id                TEXT PRIMARY KEY,
	request_id        TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	app_id            TEXT NOT NULL DEFAULT '',
	model_id          TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT '',
	call_type         TEXT NOT NULL,
	status            TEXT NOT NULL,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	media_units       BIGINT NOT NULL DEFAULT 0,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	credits           NUMERIC(20,6) NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS raw_model_calls_created_at_idx ON raw_model_calls (created_at, id);

CREATE TABLE IF NOT EXISTS usage_buckets (
	user_scope        TEXT NOT NULL DEFAULT '',
	app_scope         TEXT NOT NULL DEFAULT '',
	model_id          TEXT NOT NULL DEFAULT '',
	time_type         TEXT NOT NULL,
	bucket_start      TIMESTAMPTZ NOT NULL,
	call_count        BIGINT NOT NULL DEFAULT 0,
	failed_count      BIGINT NOT NULL DEFAULT 0,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	media_units       BIGINT NOT NULL DEFAULT 0,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	credits           NUMERIC(20,6) NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_scope, app_scope, model_id, time_type, bucket_start)
);
CREATE INDEX IF NOT EXISTS usage_buckets_range_idx ON usage_buckets (time_type, bucket_start);

CREATE TABLE IF NOT EXISTS archive_execution_logs (
	id             TEXT PRIMARY KEY,
	table_name     TEXT NOT NULL,
	status         TEXT NOT NULL,
	archived_count BIGINT NOT NULL DEFAULT 0,
	range_start    TIMESTAMPTZ NOT NULL,
	range_end      TIMESTAMPTZ NOT NULL,
	target         TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS archive_execution_logs_created_at_idx ON archive_execution_logs (created_at);
`

// EnsureSchema creates the metering tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type PostgresRawCallStore struct {
	db *sql.DB
}

func NewPostgresRawCallStore(db *sql.DB) *PostgresRawCallStore {
	return &PostgresRawCallStore{db: db}
}

const rawCallColumns = `id, request_id, user_id, app_id, model_id, provider, call_type, status,
	prompt_tokens, completion_tokens, total_tokens, media_units, duration_ms, credits, error_message, created_at`

func (r *PostgresRawCallStore) Append(ctx context.Context, call domain.RawModelCall) error {
	query := `
		INSERT INTO raw_model_calls (` + rawCallColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		call.ID,
		call.RequestID,
		call.UserID,
		call.AppID,
		call.ModelID,
		call.Provider,
		string(call.CallType),
		string(call.Status),
		call.PromptTokens,
		call.CompletionTokens,
		call.TotalTokens,
		call.MediaUnits,
		call.DurationMs,
		call.Credits,
		call.ErrorMessage,
		call.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert raw call: %w", err)
	}
	return nil
}

func (r *PostgresRawCallStore) Get(ctx context.Context, id string) (domain.RawModelCall, error) {
	query := `SELECT ` + rawCallColumns + ` FROM raw_model_calls WHERE id = $1`

	call, err := scanRawCall(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawModelCall{}, fmt.Errorf("raw call %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RawModelCall{}, fmt.Errorf("query raw call: %w", err)
	}
	return call, nil
}

func (r *PostgresRawCallStore) Scan(ctx context.Context, start, end time.Time, fn func(domain.RawModelCall) error) error {
	query := `
		SELECT ` + rawCallColumns + `
		FROM raw_model_calls
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return fmt.Errorf("query raw calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		call, err := scanRawCall(rows)
		if err != nil {
			return fmt.Errorf("scan raw call: %w", err)
		}
		if err := fn(call); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *PostgresRawCallStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RawModelCall, error) {
	query := `
		SELECT ` + rawCallColumns + `
		FROM raw_model_calls
		WHERE created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query raw calls: %w", err)
	}
	defer rows.Close()

	calls := make([]domain.RawModelCall, 0, limit)
	for rows.Next() {
		call, err := scanRawCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (r *PostgresRawCallStore) AppScopes(ctx context.Context, start, end time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT app_id
		FROM raw_model_calls
		WHERE created_at >= $1 AND created_at < $2 AND app_id <> ''
		ORDER BY app_id
	`

	rows, err := r.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query app scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan app scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func (r *PostgresRawCallStore) UserScopes(ctx context.Context, start, end time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM raw_model_calls
		WHERE created_at >= $1 AND created_at < $2 AND user_id <> ''
		ORDER BY user_id
	`

	rows, err := r.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query user scopes: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user scope: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresRawCallStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM raw_model_calls WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete raw calls: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRawCall(row rowScanner) (domain.RawModelCall, error) {
	var (
		call     domain.RawModelCall
		callType string
		status   string
	)
	err := row.Scan(
		&call.ID,
		&call.RequestID,
		&call.UserID,
		&call.AppID,
		&call.ModelID,
		&call.Provider,
		&callType,
		&status,
		&call.PromptTokens,
		&call.CompletionTokens,
		&call.TotalTokens,
		&call.MediaUnits,
		&call.DurationMs,
		&call.Credits,
		&call.ErrorMessage,
		&call.CreatedAt,
	)
	if err != nil {
		return domain.RawModelCall{}, err
	}
	call.CallType = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	call.CreatedAt = call.CreatedAt.UTC()
	return call, nil
}
