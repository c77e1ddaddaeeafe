package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

type PostgresArchiveLogStore struct {
	db *sql.DB
}

func NewPostgresArchiveLogStore(db *sql.DB) *PostgresArchiveLogStore {
	return &PostgresArchiveLogStore{db: db}
}

const archiveLogColumns = `id, table_name, status, archived_count, range_start, range_end,
	target, duration_ms, error_message, created_at`

func (r *PostgresArchiveLogStore) Insert(ctx context.Context, log domain.ArchiveExecutionLog) error {
	query := `
		INSERT INTO archive_execution_logs (` + archiveLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.TableName,
		string(log.Status),
		log.ArchivedCount,
		log.RangeStart.UTC(),
		log.RangeEnd.UTC(),
		log.Target,
		log.DurationMs,
		log.ErrorMessage,
		log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert archive log: %w", err)
	}
	return nil
}

func (r *PostgresArchiveLogStore) Get(ctx context.Context, id string) (domain.ArchiveExecutionLog, error) {
	query := `SELECT ` + archiveLogColumns + ` FROM archive_execution_logs WHERE id = $1`

	log, err := scanArchiveLog(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ArchiveExecutionLog{}, fmt.Errorf("archive log %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ArchiveExecutionLog{}, fmt.Errorf("query archive log: %w", err)
	}
	return log, nil
}

func (r *PostgresArchiveLogStore) ListInRange(ctx context.Context, start, end time.Time) ([]domain.ArchiveExecutionLog, error) {
	query := `
		SELECT ` + archiveLogColumns + `
		FROM archive_execution_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query archive logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.ArchiveExecutionLog
	for rows.Next() {
		log, err := scanArchiveLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanArchiveLog(row rowScanner) (domain.ArchiveExecutionLog, error) {
	var (
		log    domain.ArchiveExecutionLog
		status string
	)
	err := row.Scan(
		&log.ID,
		&log.TableName,
		&status,
		&log.ArchivedCount,
		&log.RangeStart,
		&log.RangeEnd,
		&log.Target,
		&log.DurationMs,
		&log.ErrorMessage,
		&log.CreatedAt,
	)
	if err != nil {
		return domain.ArchiveExecutionLog{}, err
	}
	log.Status = domain.ArchiveStatus(status)
	log.RangeStart = log.RangeStart.UTC()
	log.RangeEnd = log.RangeEnd.UTC()
	log.CreatedAt = log.CreatedAt.UTC()
	return log, nil
}
