// Package scheduler implements scheduler policies driven by the store
// operations in internal/storage. Only the Dependent scheduler lives
// here; every other policy is an external collaborator of the store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayforge/buildcore/internal/storage"
)

// dependentState is the JSON blob persisted in schedulers.state for a
// Dependent scheduler. It currently carries nothing beyond a placeholder
// so RegisterSchedulers has something to write on first sight; all of the
// scheduler's real state lives in scheduler_upstream_buildsets.
type dependentState struct {
	Registered bool `json:"registered"`
}

// Dependent is a scheduler whose trigger is the successful completion
// of an upstream scheduler's buildset. Its state machine has three
// transitions:
//
//  1. Idle, awaiting upstream buildsets.
//  2. On upstream success (results in {SUCCESS, WARNINGS}): unsubscribe
//     and emit its own buildset over the same source stamp, targeting
//     Builders.
//  3. On upstream failure: unsubscribe and emit nothing — so a further
//     downstream Dependent chained off this one never fires either.
type Dependent struct {
	Name     string
	Upstream string
	Builders []string

	schedulerID int64
}

// dependentFactory adapts a *Dependent to storage.SchedulerFactory. It
// is a separate type, rather than methods on Dependent itself, because
// Dependent's own Name field would otherwise collide with a Name()
// method.
type dependentFactory struct{ d *Dependent }

var _ storage.SchedulerFactory = dependentFactory{}

func (f dependentFactory) Name() string { return f.d.Name }

// InitialState satisfies storage.SchedulerFactory. A Dependent scheduler
// does not use the changeid cutoff: it only reacts to upstream buildset
// completions, never to raw changes directly.
func (f dependentFactory) InitialState(changeCutoff int64) (json.RawMessage, error) {
	return json.Marshal(dependentState{Registered: true})
}

// AsFactory returns the storage.SchedulerFactory view of d, for passing to
// Connector.RegisterSchedulers.
func (d *Dependent) AsFactory() storage.SchedulerFactory { return dependentFactory{d} }

// SetSchedulerID records the id RegisterSchedulers assigned this
// scheduler. Must be called once, before Poll or SubscribeTo.
func (d *Dependent) SetSchedulerID(id int64) { d.schedulerID = id }

// SchedulerID returns the id assigned by RegisterSchedulers.
func (d *Dependent) SchedulerID() int64 { return d.schedulerID }

// SubscribeTo records that this scheduler is waiting on the upstream
// buildset bsid.
func (d *Dependent) SubscribeTo(ctx context.Context, conn *storage.Connector, bsid int64) error {
	_, err := storage.RunInteractionAsync(ctx, conn, func(tx *storage.Tx) (struct{}, error) {
		return struct{}{}, conn.SubscribeToBuildSet(tx, d.schedulerID, bsid)
	}).Get(ctx)
	return err
}

// Poll drives the state machine: for every upstream buildset this
// scheduler is still actively subscribed to and that has finished, it
// unsubscribes, then — only on success — creates its own buildset over
// the same source stamp for Builders. Returns the bsids of any buildsets
// it emitted, in no particular order.
func (d *Dependent) Poll(ctx context.Context, conn *storage.Connector) ([]int64, error) {
	if d.schedulerID == 0 {
		return nil, fmt.Errorf("scheduler: Dependent %q polled before SetSchedulerID", d.Name)
	}

	type pending struct {
		bsid int64
		ssid int64
		fire bool
	}
	toFire, err := storage.RunInteractionAsync(ctx, conn, func(tx *storage.Tx) ([]pending, error) {
		subs, err := conn.GetSubscribedBuildSets(tx, d.schedulerID)
		if err != nil {
			return nil, err
		}

		var acted []pending
		for _, sub := range subs {
			if !sub.Complete {
				continue // state 1: still waiting
			}
			if err := conn.UnsubscribeBuildSet(tx, d.schedulerID, sub.BuildSetID); err != nil {
				return nil, err
			}
			fire := sub.HasResults && storage.ResultOK(sub.Results)
			acted = append(acted, pending{bsid: sub.BuildSetID, ssid: sub.SSID, fire: fire})
		}
		return acted, nil
	}).Get(ctx)
	if err != nil {
		return nil, err
	}

	var emitted []int64
	for _, p := range toFire {
		if !p.fire {
			continue // state 3: upstream failed, emit nothing
		}
		ss, err := conn.GetSourceStamp(ctx, p.ssid)
		if err != nil {
			return emitted, err
		}
		if ss == nil {
			return emitted, fmt.Errorf("scheduler: Dependent %q: upstream sourcestamp %d vanished", d.Name, p.ssid)
		}
		// Reuse the existing source stamp rather than re-deriving one:
		// CreateBuildSet's EnsureSourceStamp is a no-op once ss.SSID is set.
		bsid, _, err := conn.CreateBuildSet(ctx, ss, "upstream "+d.Upstream+" succeeded", nil, d.Builders, "")
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, bsid)
	}
	return emitted, nil
}
