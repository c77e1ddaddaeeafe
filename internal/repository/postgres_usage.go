package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

type PostgresBucketStore struct {
	db *sql.DB
}

func NewPostgresBucketStore(db *sql.DB) *PostgresBucketStore {
	return &PostgresBucketStore{db: db}
}

const bucketColumns = `user_scope, app_scope, model_id, time_type, bucket_start,
	call_count, failed_count, prompt_tokens, completion_tokens, total_tokens, media_units, duration_ms, credits`

func (r *PostgresBucketStore) Upsert(ctx context.Context, buckets []domain.UsageBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_buckets (`+bucketColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (user_scope, app_scope, model_id, time_type, bucket_start) DO UPDATE SET
			call_count        = EXCLUDED.call_count,
			failed_count      = EXCLUDED.failed_count,
			prompt_tokens     = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens      = EXCLUDED.total_tokens,
			media_units       = EXCLUDED.media_units,
			duration_ms       = EXCLUDED.duration_ms,
			credits           = EXCLUDED.credits,
			updated_at        = now()
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range buckets {
		_, err := stmt.ExecContext(ctx,
			b.UserScope,
			b.AppScope,
			b.ModelID,
			string(b.TimeType),
			b.BucketStart.UTC(),
			b.CallCount,
			b.FailedCount,
			b.PromptTokens,
			b.CompletionTokens,
			b.TotalTokens,
			b.MediaUnits,
			b.DurationMs,
			b.Credits,
		)
		if err != nil {
			return fmt.Errorf("upsert bucket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit buckets: %w", err)
	}
	return nil
}

func (r *PostgresBucketStore) Get(ctx context.Context, key domain.BucketKey) (domain.UsageBucket, error) {
	query := `
		SELECT ` + bucketColumns + `
		FROM usage_buckets
		WHERE user_scope = $1 AND app_scope = $2 AND model_id = $3 AND time_type = $4 AND bucket_start = $5
	`

	b, err := scanBucket(r.db.QueryRowContext(ctx, query,
		key.UserScope, key.AppScope, key.ModelID, string(key.TimeType), key.BucketStart.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UsageBucket{}, fmt.Errorf("bucket: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.UsageBucket{}, fmt.Errorf("query bucket: %w", err)
	}
	return b, nil
}

func (r *PostgresBucketStore) ListInRange(ctx context.Context, q BucketQuery) ([]domain.UsageBucket, error) {
	query := `
		SELECT ` + bucketColumns + `
		FROM usage_buckets
		WHERE time_type = $1 AND bucket_start >= $2 AND bucket_start < $3
		  AND ($4 OR (user_scope = $5 AND app_scope = $6 AND model_id = $7))
		ORDER BY time_type, bucket_start, user_scope, app_scope, model_id
	`

	rows, err := r.db.QueryContext(ctx, query,
		string(q.TimeType), q.Start.UTC(), q.End.UTC(), q.AnyScope, q.UserScope, q.AppScope, q.ModelID)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []domain.UsageBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (r *PostgresBucketStore) KnownAppScopes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT app_scope FROM usage_buckets WHERE app_scope <> '' ORDER BY app_scope
	`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func scanBucket(row rowScanner) (domain.UsageBucket, error) {
	var (
		b        domain.UsageBucket
		timeType string
	)
	err := row.Scan(
		&b.UserScope,
		&b.AppScope,
		&b.ModelID,
		&timeType,
		&b.BucketStart,
		&b.CallCount,
		&b.FailedCount,
		&b.PromptTokens,
		&b.CompletionTokens,
		&b.TotalTokens,
		&b.MediaUnits,
		&b.DurationMs,
		&b.Credits,
	)
	if err != nil {
		return domain.UsageBucket{}, err
	}
	b.TimeType = domain.TimeType(timeType)
	b.BucketStart = b.BucketStart.UTC()
	return b, nil
}
