//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
	"github.com/felipepmaragno/model-gateway/internal/idgen"
	"github.com/felipepmaragno/model-gateway/internal/repository"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ids = idgen.NewUUIDGenerator()

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	if err := repository.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	return db
}

func TestPostgresRawCallStore_AppendScanDelete(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := repository.NewPostgresRawCallStore(db)
	ctx := context.Background()

	// A far-past range keeps this test clear of rows written by other runs.
	base := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(time.Now().UnixNano()%1000) * time.Hour)
	var callIDs []string
	for i := 0; i < 3; i++ {
		call := domain.RawModelCall{
			ID:           ids.NewID(),
			ModelID:      "gpt-4o",
			CallType:     domain.CallTypeChat,
			Status:       domain.CallStatusSuccess,
			PromptTokens: 10,
			TotalTokens:  10,
			Credits:      decimal.RequireFromString("0.000125"),
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Append(ctx, call); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := store.Append(ctx, call); err != nil {
			t.Fatalf("second Append failed: %v", err)
		}
		callIDs = append(callIDs, call.ID)
	}
	defer store.Delete(ctx, callIDs)

	got, err := store.Get(ctx, callIDs[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Credits.Equal(decimal.RequireFromString("0.000125")) {
		t.Errorf("credits = %s", got.Credits)
	}

	var scanned []string
	err = store.Scan(ctx, base, base.Add(time.Hour), func(c domain.RawModelCall) error {
		scanned = append(scanned, c.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(scanned) != 3 || scanned[0] != callIDs[0] {
		t.Errorf("scanned = %v", scanned)
	}

	n, err := store.Delete(ctx, callIDs[:2])
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if _, err := store.Get(ctx, callIDs[0]); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresBucketStore_UpsertReplaces(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := repository.NewPostgresBucketStore(db)
	ctx := context.Background()

	key := domain.BucketKey{
		AppScope:    "it-" + ids.NewID(),
		TimeType:    domain.TimeTypeHour,
		BucketStart: time.Date(2001, 2, 3, 4, 0, 0, 0, time.UTC),
	}
	defer db.Exec(`DELETE FROM usage_buckets WHERE app_scope = $1`, key.AppScope)

	for _, calls := range []int64{5, 2} {
		b := domain.UsageBucket{BucketKey: key, CallCount: calls, Credits: decimal.NewFromInt(calls)}
		if err := store.Upsert(ctx, []domain.UsageBucket{b}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CallCount != 2 {
		t.Errorf("call count = %d, want replaced value 2", got.CallCount)
	}

	scopes, err := store.KnownAppScopes(ctx)
	if err != nil {
		t.Fatalf("KnownAppScopes failed: %v", err)
	}
	found := false
	for _, s := range scopes {
		found = found || s == key.AppScope
	}
	if !found {
		t.Errorf("scope %s not listed", key.AppScope)
	}
}

func TestPostgresArchiveLogStore_InsertGet(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := repository.NewPostgresArchiveLogStore(db)
	ctx := context.Background()

	log := domain.ArchiveExecutionLog{
		ID:           ids.NewID(),
		TableName:    "raw_model_calls",
		Status:       domain.ArchiveStatusFailed,
		RangeStart:   time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:     time.Date(2001, 2, 1, 0, 0, 0, 0, time.UTC),
		ErrorMessage: "cold store unavailable",
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	defer db.Exec(`DELETE FROM archive_execution_logs WHERE id = $1`, log.ID)

	if err := store.Insert(ctx, log); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := store.Get(ctx, log.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.ArchiveStatusFailed || got.ErrorMessage != log.ErrorMessage {
		t.Errorf("got %+v", got)
	}
}
