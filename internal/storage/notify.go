package storage

import (
	"log"
	"sync"
)

// category names used on the notification bus. Each pairs with a single
// int64 id: the row that changed. Subscribers are expected to re-read
// state from the Connector rather than trust any payload carried here.
const (
	CategoryAddChange       = "add-change"
	CategoryAddBuildSet     = "add-buildset"
	CategoryAddBuildRequest = "add-buildrequest"
	CategoryRetireBuildReq  = "retire-buildrequest"
	CategoryModifyBuildSet  = "modify-buildset"
	CategoryAddBuild        = "add-build"
)

// OpToken marks one in-flight database operation. Obtain one with
// beginOperation before doing work that may produce notifications, and
// release it with endOperation once the operation (successful or not) is
// done. Notifications queued while any token is outstanding are held back
// until the active set is empty again ("quiescent").
type OpToken uint64

type observer struct {
	id       uint64
	category string
	fn       func(id int64)
}

type pendingNotification struct {
	category string
	id       int64
}

// notifyEngine is the single goroutine that owns subscriber state and
// the active-operation set: one goroutine, driven by channels, needs no
// mutex because nothing else ever touches its state directly.
type notifyEngine struct {
	beginOpCh     chan chan OpToken
	endOpCh       chan OpToken
	notifyCh      chan pendingNotification
	subCh         chan subscribeReq
	unsubCh       chan uint64
	queryActiveCh chan chan bool
	shutdownCh    chan chan struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

type subscribeReq struct {
	category string
	fn       func(id int64)
	resultCh chan uint64
}

func newNotifyEngine() *notifyEngine {
	e := &notifyEngine{
		beginOpCh:     make(chan chan OpToken),
		endOpCh:       make(chan OpToken, 16),
		notifyCh:      make(chan pendingNotification, 64),
		subCh:         make(chan subscribeReq),
		unsubCh:       make(chan uint64),
		queryActiveCh: make(chan chan bool),
		shutdownCh:    make(chan chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *notifyEngine) run() {
	defer e.wg.Done()

	active := make(map[OpToken]struct{})
	var nextToken OpToken = 1
	var nextObserverID uint64 = 1
	observers := make(map[string][]observer)
	var pending []pendingNotification

	deliver := func() {
		if len(active) != 0 || len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		for _, n := range batch {
			for _, obs := range observers[n.category] {
				dispatch(obs, n.id)
			}
		}
	}

	for {
		select {
		case resultCh := <-e.beginOpCh:
			tok := nextToken
			nextToken++
			active[tok] = struct{}{}
			resultCh <- tok

		case tok := <-e.endOpCh:
			delete(active, tok)
			deliver()

		case n := <-e.notifyCh:
			pending = append(pending, n)
			deliver()

		case req := <-e.subCh:
			id := nextObserverID
			nextObserverID++
			observers[req.category] = append(observers[req.category], observer{
				id: id, category: req.category, fn: req.fn,
			})
			req.resultCh <- id

		case id := <-e.unsubCh:
			for cat, obs := range observers {
				filtered := obs[:0]
				for _, o := range obs {
					if o.id != id {
						filtered = append(filtered, o)
					}
				}
				observers[cat] = filtered
			}

		case resultCh := <-e.queryActiveCh:
			resultCh <- len(active) != 0

		case done := <-e.shutdownCh:
			close(done)
			return
		}
	}
}

// dispatch invokes one observer, recovering a panic so a broken
// subscriber cannot poison delivery to the rest. Each observer is invoked
// independently and its panics logged.
func dispatch(obs observer, id int64) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("buildcore/storage: notification observer for %q panicked: %v", obs.category, r)
		}
	}()
	obs.fn(id)
}

// hasActive reports whether any operation token is currently outstanding.
func (e *notifyEngine) hasActive() bool {
	resultCh := make(chan bool, 1)
	e.queryActiveCh <- resultCh
	return <-resultCh
}

// beginOperation registers a new in-flight operation and returns a token
// that must be passed to endOperation exactly once.
func (e *notifyEngine) beginOperation() OpToken {
	resultCh := make(chan OpToken, 1)
	e.beginOpCh <- resultCh
	return <-resultCh
}

// endOperation releases a token obtained from beginOperation. Any
// notifications queued while the active set was non-empty are delivered
// once the set becomes empty.
func (e *notifyEngine) endOperation(tok OpToken) {
	e.endOpCh <- tok
}

// notify enqueues a notification for category/id. Delivery is deferred
// until no operation tokens are outstanding.
func (e *notifyEngine) notify(category string, id int64) {
	e.notifyCh <- pendingNotification{category: category, id: id}
}

// subscribe registers fn to be called (with the changed row's id) whenever
// a notification for category is delivered. Returns a subscription id for
// use with unsubscribe.
func (e *notifyEngine) subscribe(category string, fn func(id int64)) uint64 {
	resultCh := make(chan uint64, 1)
	e.subCh <- subscribeReq{category: category, fn: fn, resultCh: resultCh}
	return <-resultCh
}

// unsubscribe removes a subscription previously returned by subscribe.
func (e *notifyEngine) unsubscribe(id uint64) {
	e.unsubCh <- id
}

// close stops the engine's goroutine. Safe to call more than once.
func (e *notifyEngine) close() {
	e.shutdownOnce.Do(func() {
		done := make(chan struct{})
		e.shutdownCh <- done
		<-done
		e.wg.Wait()
	})
}
