package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// ColdStore receives archived calls. Write must be idempotent by call ID so a
// batch whose hot delete failed can be copied again.
type ColdStore interface {
	Write(ctx context.Context, partition string, calls []domain.RawModelCall) error
	Target() string
}

const partitionPrefix = "raw_model_calls_"

var partitionName = regexp.MustCompile(`^raw_model_calls_[0-9]{4}q[1-4]$`)

// PartitionFor names the quarterly partition holding calls created at t.
func PartitionFor(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04dq%d", partitionPrefix, t.Year(), (int(t.Month())-1)/3+1)
}

type SQLiteColdStore struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	created map[string]bool
}

func OpenSQLiteColdStore(path string) (*SQLiteColdStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cold store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cold store: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return &SQLiteColdStore{db: db, path: path, created: make(map[string]bool)}, nil
}

func (s *SQLiteColdStore) Target() string {
	return "sqlite:" + s.path
}

func (s *SQLiteColdStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteColdStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteColdStore) Write(ctx context.Context, partition string, calls []domain.RawModelCall) error {
	if err := s.ensurePartition(ctx, partition); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO `+partition+` (
			id, request_id, user_id, app_id, model_id, provider, call_type, status,
			prompt_tokens, completion_tokens, total_tokens, media_units, duration_ms,
			credits, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range calls {
		_, err := stmt.ExecContext(ctx,
			c.ID, c.RequestID, c.UserID, c.AppID, c.ModelID, c.Provider,
			string(c.CallType), string(c.Status),
			c.PromptTokens, c.CompletionTokens, c.TotalTokens, c.MediaUnits, c.DurationMs,
			c.Credits.String(), c.ErrorMessage, c.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert %s into %s: %w", c.ID, partition, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", partition, err)
	}
	return nil
}

// Count returns how many calls a partition holds; zero if it does not exist.
func (s *SQLiteColdStore) Count(ctx context.Context, partition string) (int64, error) {
	if !partitionName.MatchString(partition) {
		return 0, fmt.Errorf("invalid partition %q", partition)
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, partition).Scan(&exists)
	if err != nil || exists == 0 {
		return 0, err
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+partition).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", partition, err)
	}
	return n, nil
}

// Get reads one archived call back.
func (s *SQLiteColdStore) Get(ctx context.Context, partition, id string) (domain.RawModelCall, error) {
	if !partitionName.MatchString(partition) {
		return domain.RawModelCall{}, fmt.Errorf("invalid partition %q", partition)
	}

	var (
		c                  domain.RawModelCall
		callType, status   string
		credits, createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, user_id, app_id, model_id, provider, call_type, status,
			prompt_tokens, completion_tokens, total_tokens, media_units, duration_ms,
			credits, error_message, created_at
		FROM `+partition+` WHERE id = ?`, id).Scan(
		&c.ID, &c.RequestID, &c.UserID, &c.AppID, &c.ModelID, &c.Provider, &callType, &status,
		&c.PromptTokens, &c.CompletionTokens, &c.TotalTokens, &c.MediaUnits, &c.DurationMs,
		&credits, &c.ErrorMessage, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawModelCall{}, fmt.Errorf("archived call %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RawModelCall{}, fmt.Errorf("query archived call: %w", err)
	}

	c.CallType = domain.CallType(callType)
	c.Status = domain.CallStatus(status)
	if c.Credits, err = decimal.NewFromString(credits); err != nil {
		return domain.RawModelCall{}, fmt.Errorf("parse credits: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.RawModelCall{}, fmt.Errorf("parse created_at: %w", err)
	}
	return c, nil
}

func (s *SQLiteColdStore) ensurePartition(ctx context.Context, partition string) error {
	if !partitionName.MatchString(partition) {
		return fmt.Errorf("invalid partition %q", partition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[partition] {
		return nil
	}

	query := `
	CREATE TABLE IF NOT EXISTS ` + partition + ` (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		app_id TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		call_type TEXT NOT NULL,
		status TEXT NOT NULL,
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		media_units INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		credits TEXT NOT NULL DEFAULT '0',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create partition %s: %w", partition, err)
	}
	s.created[partition] = true
	return nil
}
