// Package sqlitedriver opens the embedded, single-file backend the
// Connector supports, using a pure-Go, cgo-free SQLite engine: WAL mode
// for file-backed databases, a single shared-cache connection for
// in-memory ones, and a WASM compilation cache warmed up in init().
package sqlitedriver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/relayforge/buildcore/internal/storage"
)

func init() {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "buildcore", "wasm")
	}
	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

// Driver opens sqlite-backed Connectors against a single database path
// (or ":memory:"/"" for an ephemeral, process-local database, as the
// tests use).
type Driver struct {
	Path string

	memName string
}

// memSeq distinguishes the shared-cache in-memory databases of separate
// Driver instances within one process; without it, every ":memory:"
// Driver would open the same named memdb and see each other's tables.
var memSeq atomic.Uint64

// New returns a Driver for path, creating its parent directory lazily on
// first open (file-based paths only).
func New(path string) *Driver {
	return &Driver{
		Path:    path,
		memName: fmt.Sprintf("buildcore_memdb_%d", memSeq.Add(1)),
	}
}

func (d *Driver) Dialect() storage.Dialect { return storage.SQLiteDialect }

func (d *Driver) isMemory() bool {
	return d.Path == "" || d.Path == ":memory:" || strings.Contains(d.Path, "mode=memory")
}

func (d *Driver) connString() (string, error) {
	if d.isMemory() {
		// Named shared-cache in-memory database: every connection opened
		// against this DSN within the process sees the same data, which
		// both the pooled and dedicated *sql.DB need. WAL is incompatible
		// with shared in-memory databases, so journal mode stays DELETE.
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite", d.memName), nil
	}
	dir := filepath.Dir(d.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("sqlitedriver: create directory %s: %w", dir, err)
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite", d.Path), nil
}

// OpenPooled opens the multi-connection handle used for asynchronous
// operations. For file-backed databases it enables WAL mode (one writer,
// many readers); in-memory databases are limited to a single connection,
// which avoids write-lock thrashing on the shared cache.
func (d *Driver) OpenPooled(ctx context.Context) (*sql.DB, error) {
	connStr, err := d.connString()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: open pooled: %w", err)
	}
	if d.isMemory() {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitedriver: enable WAL: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedriver: ping pooled: %w", err)
	}
	return db, nil
}

// OpenDedicated opens the single, unpooled connection used for
// synchronous bootstrap/CLI operations.
func (d *Driver) OpenDedicated(ctx context.Context) (*sql.DB, error) {
	connStr, err := d.connString()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: open dedicated: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedriver: ping dedicated: %w", err)
	}
	return db, nil
}
