package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/buildcore/internal/scheduler"
	"github.com/relayforge/buildcore/internal/storage"
	"github.com/relayforge/buildcore/internal/storage/sqlitedriver"
)

func newTestConnector(t *testing.T) *storage.Connector {
	t.Helper()
	conn, err := storage.Create(context.Background(), sqlitedriver.New(":memory:"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *storage.Connector, d *scheduler.Dependent) {
	t.Helper()
	ids, err := conn.RegisterSchedulers(context.Background(), []storage.SchedulerFactory{d.AsFactory()})
	if err != nil {
		t.Fatalf("RegisterSchedulers failed: %v", err)
	}
	d.SetSchedulerID(ids[0])
}

// upstreamBuildSet plays the part of the upstream scheduler U: it creates
// a buildset over a fresh source stamp for the given builders.
func upstreamBuildSet(t *testing.T, conn *storage.Connector, builders []string) (int64, []int64, int64) {
	t.Helper()
	ss := &storage.SourceStamp{Branch: "main", Revision: "r1"}
	bsid, brids, err := conn.CreateBuildSet(context.Background(), ss, "upstream run", nil, builders, "")
	if err != nil {
		t.Fatalf("CreateBuildSet failed: %v", err)
	}
	return bsid, brids, ss.SSID
}

func TestDependent_FiresOnUpstreamSuccess(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	d := &scheduler.Dependent{Name: "D", Upstream: "U", Builders: []string{"b3", "b4"}}
	register(t, conn, d)

	bsid, brids, ssid := upstreamBuildSet(t, conn, []string{"slowpass", "fastpass"})
	if err := d.SubscribeTo(ctx, conn, bsid); err != nil {
		t.Fatalf("SubscribeTo failed: %v", err)
	}

	// Upstream still running: nothing to do.
	emitted, err := d.Poll(ctx, conn)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("Expected no emission while upstream is running, got %v", emitted)
	}

	retired := make(chan int64, 8)
	modified := make(chan int64, 8)
	conn.Subscribe(storage.CategoryRetireBuildReq, func(id int64) { retired <- id })
	conn.Subscribe(storage.CategoryModifyBuildSet, func(id int64) { modified <- id })

	if err := conn.RetireBuildRequests(ctx, brids[:1], storage.ResultSuccess); err != nil {
		t.Fatalf("RetireBuildRequests failed: %v", err)
	}
	if err := conn.RetireBuildRequests(ctx, brids[1:], storage.ResultSuccess); err != nil {
		t.Fatalf("RetireBuildRequests failed: %v", err)
	}

	// Exactly one retire notification per request, one modify-buildset
	// after the last.
	for i := 0; i < 2; i++ {
		select {
		case <-retired:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for retire-buildrequest")
		}
	}
	select {
	case id := <-modified:
		if id != bsid {
			t.Fatalf("Expected modify-buildset for %d, got %d", bsid, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for modify-buildset")
	}
	select {
	case id := <-modified:
		t.Fatalf("Expected exactly one modify-buildset, got extra %d", id)
	case <-time.After(100 * time.Millisecond):
	}

	successful, finished, _, err := conn.ExamineBuildSet(ctx, bsid)
	if err != nil {
		t.Fatalf("ExamineBuildSet failed: %v", err)
	}
	if !successful || !finished {
		t.Fatalf("Expected (true, true), got (%v, %v)", successful, finished)
	}

	// The dependent now fires over the same source stamp.
	emitted, err = d.Poll(ctx, conn)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("Expected exactly one emitted buildset, got %v", emitted)
	}

	info, err := conn.GetBuildSetInfo(ctx, emitted[0])
	if err != nil {
		t.Fatalf("GetBuildSetInfo failed: %v", err)
	}
	if info.SSID != ssid {
		t.Errorf("Expected downstream buildset over upstream's sourcestamp %d, got %d", ssid, info.SSID)
	}

	byBuilder, err := conn.GetBuildRequestIDsForBuildSet(ctx, emitted[0])
	if err != nil {
		t.Fatalf("GetBuildRequestIDsForBuildSet failed: %v", err)
	}
	if len(byBuilder) != 2 || byBuilder["b3"] == 0 || byBuilder["b4"] == 0 {
		t.Errorf("Expected requests for b3 and b4, got %v", byBuilder)
	}

	// The subscription was consumed; polling again emits nothing more.
	emitted, err = d.Poll(ctx, conn)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(emitted) != 0 {
		t.Errorf("Expected consumed subscription to stay quiet, got %v", emitted)
	}
}

func TestDependent_FailureCascade(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	d1 := &scheduler.Dependent{Name: "D1", Upstream: "U", Builders: []string{"d1-builder"}}
	d2 := &scheduler.Dependent{Name: "D2", Upstream: "D1", Builders: []string{"d2-builder"}}
	register(t, conn, d1)
	register(t, conn, d2)

	bsid, brids, _ := upstreamBuildSet(t, conn, []string{"slowpass", "fastpass"})
	if err := d1.SubscribeTo(ctx, conn, bsid); err != nil {
		t.Fatalf("SubscribeTo failed: %v", err)
	}

	// One of U's requests fails.
	if err := conn.RetireBuildRequests(ctx, brids[:1], storage.ResultFailure); err != nil {
		t.Fatalf("RetireBuildRequests failed: %v", err)
	}
	if err := conn.RetireBuildRequests(ctx, brids[1:], storage.ResultSuccess); err != nil {
		t.Fatalf("RetireBuildRequests failed: %v", err)
	}

	successful, finished, _, err := conn.ExamineBuildSet(ctx, bsid)
	if err != nil {
		t.Fatalf("ExamineBuildSet failed: %v", err)
	}
	if successful || !finished {
		t.Fatalf("Expected (false, true), got (%v, %v)", successful, finished)
	}

	// D1 consumes the failure and emits nothing.
	emitted, err := d1.Poll(ctx, conn)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("D1 must not fire on upstream failure, got %v", emitted)
	}

	// The subscription is retired even though nothing fired.
	subs, err := storage.RunInteractionNow(ctx, conn, func(tx *storage.Tx) ([]storage.SubscribedBuildSet, error) {
		return conn.GetSubscribedBuildSets(tx, d1.SchedulerID())
	})
	if err != nil {
		t.Fatalf("GetSubscribedBuildSets failed: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("Expected D1's subscription to be inactive after consumption, got %v", subs)
	}

	// D2 never saw a D1 buildset, so it has nothing to react to.
	emitted, err = d2.Poll(ctx, conn)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("D2 must not fire when D1 never did, got %v", emitted)
	}

	// Only U's two requests ever existed.
	total, err := storage.RunInteractionNow(ctx, conn, func(tx *storage.Tx) (int, error) {
		row := tx.QueryRow("SELECT COUNT(*) FROM buildrequests")
		var n int
		return n, row.Scan(&n)
	})
	if err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected only upstream's 2 requests, found %d", total)
	}
}

func TestDependent_PollBeforeRegistration(t *testing.T) {
	conn := newTestConnector(t)

	d := &scheduler.Dependent{Name: "D", Upstream: "U", Builders: []string{"b"}}
	if _, err := d.Poll(context.Background(), conn); err == nil {
		t.Fatal("Expected Poll before SetSchedulerID to fail")
	}
}
