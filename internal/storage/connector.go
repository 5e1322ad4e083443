package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/buildcore/internal/storage/lru"
)

// defaultCacheCapacity bounds the per-entity-kind LRU caches.
const defaultCacheCapacity = 10000

// maxQueryTimes bounds the ring of measured operation latencies kept
// for observability.
const maxQueryTimes = 1000

// defaultPoolSize bounds how many RunInteractionAsync/RunQueryAsync calls
// may run against the pooled connection concurrently.
const defaultPoolSize = 8

// Tx is the transaction handle passed to interaction callables. It is the
// only thing an interaction may touch besides its own closed-over pure
// data — no suspension is allowed inside a transaction, so callables
// must be straight-line SQL against this handle.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now returns the connector's notion of "current time" for the duration
// of this transaction, stable across every read inside one interaction.
func (t *Tx) Now() time.Time { return t.now }

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(query, args...)
}

func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(query, args...)
}

// Connector mediates all database access for one buildmaster process. It
// owns a pooled connection set for asynchronous calls and one dedicated,
// unpooled connection for synchronous calls. There is exactly one
// Connector type serving both backends; the backend packages differ only
// in the Dialect and connection handles they supply.
type Connector struct {
	dialect Dialect
	opener  Opener

	pooled   *sql.DB
	pool     *workerPool
	notifier *notifyEngine

	now Clock
	log *slog.Logger

	// dedicatedMu serializes RunInteractionSync/RunQuerySync on the one
	// dedicated connection and guards the broken/reconnect state.
	dedicatedMu     sync.Mutex
	dedicated       *sql.DB
	dedicatedBroken bool

	timesMu sync.Mutex
	times   []time.Duration
	timesAt int

	cacheMu          sync.Mutex
	changeCache      *lru.Cache[int64, *Change]
	sourceStampCache *lru.Cache[int64, *SourceStamp]
}

// ConnectorOption configures optional Connector behavior.
type ConnectorOption func(*Connector)

// WithClock overrides the Connector's notion of "now", for tests.
func WithClock(c Clock) ConnectorOption {
	return func(conn *Connector) { conn.now = c }
}

// WithLogger overrides the Connector's logger, which otherwise discards
// everything.
func WithLogger(l *slog.Logger) ConnectorOption {
	return func(conn *Connector) { conn.log = l }
}

// WithPoolSize overrides how many async operations run concurrently
// against the pooled connection.
func WithPoolSize(n int) ConnectorOption {
	return func(conn *Connector) { conn.pool = newWorkerPool(n) }
}

// newConnector wires up a Connector around already-opened pooled and
// dedicated *sql.DB handles. Callers use Open/Create (bootstrap.go) rather
// than this directly.
func newConnector(o Opener, pooled, dedicated *sql.DB, opts ...ConnectorOption) *Connector {
	conn := &Connector{
		dialect:   o.Dialect(),
		opener:    o,
		pooled:    pooled,
		dedicated: dedicated,
		pool:      newWorkerPool(defaultPoolSize),
		notifier:  newNotifyEngine(),
		now:       realClock,
		log:       discardLogger(),
		times:     make([]time.Duration, 0, maxQueryTimes),

		changeCache:      lru.New[int64, *Change](defaultCacheCapacity),
		sourceStampCache: lru.New[int64, *SourceStamp](defaultCacheCapacity),
	}
	for _, opt := range opts {
		opt(conn)
	}
	return conn
}

// Close releases both connections and stops the notification engine.
func (c *Connector) Close() error {
	c.notifier.close()
	err1 := c.pooled.Close()
	err2 := c.dedicated.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Dialect returns the backend dialect this Connector was opened against.
func (c *Connector) Dialect() Dialect { return c.dialect }

func (c *Connector) recordLatency(d time.Duration) {
	c.timesMu.Lock()
	defer c.timesMu.Unlock()
	if len(c.times) < maxQueryTimes {
		c.times = append(c.times, d)
	} else {
		c.times[c.timesAt] = d
		c.timesAt = (c.timesAt + 1) % maxQueryTimes
	}
}

// QueryTimes returns a snapshot of the most recent (up to 1000) measured
// operation latencies.
func (c *Connector) QueryTimes() []time.Duration {
	c.timesMu.Lock()
	defer c.timesMu.Unlock()
	out := make([]time.Duration, len(c.times))
	copy(out, c.times)
	return out
}

// HasPendingOperations reports whether any RunInteraction call is
// currently in flight, exposed for test synchronization. RunQuerySync and
// RunQueryAsync are not tracked.
func (c *Connector) HasPendingOperations() bool {
	return c.notifier.hasActive()
}

// Notify enqueues a notification for category/id on behalf of the calling
// transaction. Delivery is deferred until no operation is in flight.
func (c *Connector) Notify(category string, id int64) {
	c.notifier.notify(category, id)
}

// Subscribe registers fn to run (on the notification engine's own
// goroutine) whenever category is notified. Returns an id usable with
// Unsubscribe. A panicking observer must not take down the bus or the
// other observers; see notify.go's recover wrapper.
func (c *Connector) Subscribe(category string, fn func(id int64)) uint64 {
	return c.notifier.subscribe(category, fn)
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (c *Connector) Unsubscribe(id uint64) {
	c.notifier.unsubscribe(id)
}

// Placeholders renders an "(?,?,...)" tuple of n placeholders for an IN
// clause. Both backend drivers accept "?" natively, so no per-dialect
// rewrite is needed — see dialect.go.
func (c *Connector) Placeholders(n int) string {
	if n <= 0 {
		return "()"
	}
	s := "(?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s + ")"
}

// GetVersion reads the version table, returning (0, false) if the table
// is absent (a brand new or pre-schema database).
func (c *Connector) GetVersion(ctx context.Context) (int, bool, error) {
	c.dedicatedMu.Lock()
	defer c.dedicatedMu.Unlock()
	db, err := c.dedicatedDB(ctx)
	if err != nil {
		return 0, false, err
	}
	row := db.QueryRowContext(ctx, "SELECT version FROM version")
	var v int
	err = row.Scan(&v)
	if err != nil {
		if isNoSuchTable(err) {
			return 0, false, nil
		}
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, Transient("GetVersion", err)
	}
	return v, true, nil
}

// RunQuerySync runs query synchronously on the dedicated connection,
// blocking the calling goroutine. Permitted only in bootstrap and
// command-line tools, never the running buildmaster.
func (c *Connector) RunQuerySync(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	c.dedicatedMu.Lock()
	defer c.dedicatedMu.Unlock()
	db, err := c.dedicatedDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	c.recordLatency(time.Since(start))
	if err != nil {
		return nil, Transient("RunQuerySync", err)
	}
	return rows, nil
}

// Interaction is a straight-line transactional callable. It must not
// suspend — no further async calls, no channel receives.
type Interaction[T any] func(tx *Tx) (T, error)

// RunInteractionSync runs fn inside a transaction on the dedicated
// connection, blocking the caller. On error it rolls back and rethrows;
// if the rollback itself fails, the dedicated connection is dropped and
// transparently reopened on the next call.
func RunInteractionSync[T any](ctx context.Context, c *Connector, fn Interaction[T]) (T, error) {
	var zero T
	c.dedicatedMu.Lock()
	defer c.dedicatedMu.Unlock()

	start := time.Now()
	tok := c.notifier.beginOperation()
	defer func() {
		c.notifier.endOperation(tok)
		c.recordLatency(time.Since(start))
	}()

	db, err := c.dedicatedDB(ctx)
	if err != nil {
		return zero, err
	}
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, Transient("RunInteractionSync.Begin", err)
	}

	result, err := fn(&Tx{tx: sqlTx, now: c.now()})
	if err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			c.log.Error("dedicated connection rollback failed, dropping connection", "err", rbErr)
			c.dropDedicated()
		}
		return zero, err
	}
	if err := sqlTx.Commit(); err != nil {
		return zero, Transient("RunInteractionSync.Commit", err)
	}
	return result, nil
}

// dropDedicated closes and forgets the dedicated connection; it is
// reopened lazily by dedicatedDB on the next call that needs it. Caller
// holds dedicatedMu.
func (c *Connector) dropDedicated() {
	_ = c.dedicated.Close()
	c.dedicatedBroken = true
}

// dedicatedDB returns the dedicated connection, transparently reopening
// it if a prior failed rollback dropped it. Caller holds dedicatedMu.
func (c *Connector) dedicatedDB(ctx context.Context) (*sql.DB, error) {
	if !c.dedicatedBroken {
		return c.dedicated, nil
	}
	db, err := c.opener.OpenDedicated(ctx)
	if err != nil {
		return nil, Transient("reconnectDedicated", err)
	}
	c.dedicated = db
	c.dedicatedBroken = false
	c.log.Info("dedicated connection reopened")
	return db, nil
}

// RunQueryAsync runs query against the pooled connection on a worker
// goroutine and returns a Future that completes when it does.
func (c *Connector) RunQueryAsync(ctx context.Context, query string, args ...any) *Future[*sql.Rows] {
	fut := newFuture[*sql.Rows]()
	c.pool.submit(func() {
		start := time.Now()
		rows, err := c.pooled.QueryContext(ctx, query, args...)
		c.recordLatency(time.Since(start))
		if err != nil {
			fut.resolve(nil, Transient("RunQueryAsync", err))
			return
		}
		fut.resolve(rows, nil)
	})
	return fut
}

// RunInteractionAsync runs fn inside a transaction on the pooled
// connection on a worker goroutine, returning a Future for the result.
func RunInteractionAsync[T any](ctx context.Context, c *Connector, fn Interaction[T]) *Future[T] {
	fut := newFuture[T]()
	c.pool.submit(func() {
		var zero T
		start := time.Now()
		tok := c.notifier.beginOperation()
		defer func() {
			c.notifier.endOperation(tok)
			c.recordLatency(time.Since(start))
		}()

		sqlTx, err := c.pooled.BeginTx(ctx, nil)
		if err != nil {
			fut.resolve(zero, Transient("RunInteractionAsync.Begin", err))
			return
		}
		result, err := fn(&Tx{tx: sqlTx, now: c.now()})
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				c.log.Error("pooled transaction rollback failed", "err", rbErr)
			}
			fut.resolve(zero, err)
			return
		}
		if err := sqlTx.Commit(); err != nil {
			fut.resolve(zero, Transient("RunInteractionAsync.Commit", err))
			return
		}
		fut.resolve(result, nil)
	})
	return fut
}

// RunInteractionNow runs fn synchronously on the dedicated connection
// and blocks until it completes. It is the interaction-level counterpart
// of RunQuerySync.
func RunInteractionNow[T any](ctx context.Context, c *Connector, fn Interaction[T]) (T, error) {
	return RunInteractionSync(ctx, c, fn)
}

// Cache accessors. The lru package itself is not safe for concurrent
// use; every touch goes through cacheMu since Get* methods run on
// whichever goroutine the caller happens to be on.

func (c *Connector) cachedChange(id int64) (*Change, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.changeCache.Get(id)
}

func (c *Connector) cacheChange(ch *Change) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.changeCache.Put(ch.ChangeID, ch)
}

func (c *Connector) cachedSourceStamp(id int64) (*SourceStamp, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.sourceStampCache.Get(id)
}

func (c *Connector) cacheSourceStamp(ss *SourceStamp) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.sourceStampCache.Put(ss.SSID, ss)
}

func isNoSuchTable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// sqlite says "no such table"; mysql says "doesn't exist". There is no
	// portable error code across the two drivers for this.
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "Unknown table")
}
