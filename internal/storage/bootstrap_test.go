package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/relayforge/buildcore/internal/storage"
	"github.com/relayforge/buildcore/internal/storage/sqlitedriver"
	"github.com/relayforge/buildcore/internal/testutil"
)

func TestCreate_FreshDatabase(t *testing.T) {
	conn, _ := newFileConnector(t)

	version, ok, err := conn.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected a version row after Create")
	}
	if version != 1 {
		t.Errorf("Expected version 1, got %d", version)
	}
}

func TestCreate_AlreadyExists(t *testing.T) {
	_, path := newFileConnector(t)

	_, err := storage.Create(context.Background(), sqlitedriver.New(path))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestOpen_FreshDatabaseNotReady(t *testing.T) {
	path := filepath.Join(testutil.TempDirInMemory(t), "never-created.db")

	_, err := storage.Open(context.Background(), sqlitedriver.New(path))
	if !errors.Is(err, storage.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
}

func TestOpen_ExistingDatabase(t *testing.T) {
	conn, path := newFileConnector(t)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := storage.Open(context.Background(), sqlitedriver.New(path))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()

	version, ok, err := reopened.GetVersion(context.Background())
	if err != nil || !ok || version != 1 {
		t.Fatalf("Expected version 1 after reopen, got %d (ok=%v, err=%v)", version, ok, err)
	}
}

func TestPlaceholders(t *testing.T) {
	conn := newTestConnector(t)

	if got := conn.Placeholders(3); got != "(?,?,?)" {
		t.Errorf("Placeholders(3) = %q, want (?,?,?)", got)
	}
	if got := conn.Placeholders(1); got != "(?)" {
		t.Errorf("Placeholders(1) = %q, want (?)", got)
	}
	if got := conn.Placeholders(0); got != "()" {
		t.Errorf("Placeholders(0) = %q, want ()", got)
	}
}
