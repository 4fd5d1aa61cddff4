package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openFileDatabase(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func TestClassifyStoreErrorMarksBusyDatabaseRetryable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder := openFileDatabase(t, path)
	if err := holder.Exec("CREATE TABLE items (id TEXT PRIMARY KEY)").Error; err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	holderSQL, err := holder.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	conn, err := holderSQL.Conn(ctx)
	if err != nil {
		t.Fatalf("failed to reserve connection: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("failed to take write lock: %v", err)
	}
	defer conn.ExecContext(ctx, "ROLLBACK") //nolint:errcheck

	contender := openFileDatabase(t, path)
	writeErr := contender.Exec("INSERT INTO items (id) VALUES ('a')").Error
	if writeErr == nil {
		t.Fatalf("expected the contended write to fail")
	}
	if !IsRetryable(classifyStoreError(writeErr)) {
		t.Fatalf("expected a busy database to be retryable, got %v", writeErr)
	}
}

func TestClassifyStoreErrorLeavesOtherErrorsUntouched(t *testing.T) {
	db := openFileDatabase(t, filepath.Join(t.TempDir(), "plain.db"))
	schemaErr := db.Exec("INSERT INTO missing_table (id) VALUES ('a')").Error
	if schemaErr == nil {
		t.Fatalf("expected an error for a missing table")
	}
	if IsRetryable(classifyStoreError(schemaErr)) {
		t.Fatalf("expected a schema error to stay fatal, got %v", schemaErr)
	}

	textual := errors.New("database is locked")
	if classifyStoreError(textual) != textual {
		t.Fatalf("expected an untyped error to pass through unchanged")
	}

	retryable := &RetryableError{err: textual}
	if classifyStoreError(retryable) != retryable {
		t.Fatalf("expected an already retryable error to pass through unchanged")
	}
	if classifyStoreError(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}
