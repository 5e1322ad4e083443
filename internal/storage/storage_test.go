package storage_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relayforge/buildcore/internal/storage"
	"github.com/relayforge/buildcore/internal/storage/sqlitedriver"
	"github.com/relayforge/buildcore/internal/testutil"
)

// fakeClock is a hand-adjustable clock injected through WithClock so
// tests control submitted_at/claimed_at/complete_at timestamps exactly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start int64) *fakeClock {
	return &fakeClock{now: time.Unix(start, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(sec int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = time.Unix(sec, 0)
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// newTestConnector creates a fresh in-memory database.
func newTestConnector(t *testing.T, opts ...storage.ConnectorOption) *storage.Connector {
	t.Helper()
	conn, err := storage.Create(context.Background(), sqlitedriver.New(":memory:"), opts...)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// newFileConnector creates a fresh file-backed database and returns the
// connector plus the database path, for tests that reopen the store.
func newFileConnector(t *testing.T, opts ...storage.ConnectorOption) (*storage.Connector, string) {
	t.Helper()
	path := filepath.Join(testutil.TempDirInMemory(t), "state.db")
	conn, err := storage.Create(context.Background(), sqlitedriver.New(path), opts...)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, path
}

// collectNotifications subscribes to category and returns a channel the
// delivered ids arrive on.
func collectNotifications(t *testing.T, conn *storage.Connector, category string) <-chan int64 {
	t.Helper()
	ch := make(chan int64, 64)
	conn.Subscribe(category, func(id int64) { ch <- id })
	return ch
}

// waitID receives one notification id or fails the test after a timeout.
func waitID(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return 0
	}
}

// expectNone asserts no notification arrives within a short window.
func expectNone(t *testing.T, ch <-chan int64) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("unexpected notification: %d", id)
	case <-time.After(100 * time.Millisecond):
	}
}
