package storage

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Scheduler is a row in the schedulers table: a globally unique name and
// an opaque JSON state blob the scheduler logic owns exclusively.
type Scheduler struct {
	SchedulerID int64
	Name        string
}

// SchedulerFactory produces a scheduler's initial JSON state given the
// highest changeid known at registration time — the "cutoff" a newly
// registered scheduler uses to ignore history older than its own
// creation. Implemented by callers (e.g. internal/scheduler.Dependent),
// not by the store.
type SchedulerFactory interface {
	Name() string
	InitialState(changeCutoff int64) (json.RawMessage, error)
}

// RegisterSchedulers ensures each factory has a row in the schedulers
// table: existing schedulers keep their id and state untouched; new ones
// get an allocated schedulerid (max+1) and an initial state computed from
// the current max changeid. The assigned id is returned per factory, in
// input order.
func (c *Connector) RegisterSchedulers(ctx context.Context, factories []SchedulerFactory) ([]int64, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) ([]int64, error) {
		ids := make([]int64, len(factories))
		for i, f := range factories {
			row := tx.QueryRow("SELECT schedulerid FROM schedulers WHERE name = ?", f.Name())
			var existing int64
			err := row.Scan(&existing)
			if err == nil {
				ids[i] = existing
				continue
			}
			if err != sql.ErrNoRows {
				return nil, Transient("RegisterSchedulers.lookup", err)
			}

			cutoffRow := tx.QueryRow("SELECT COALESCE(MAX(changeid), 0) FROM changes")
			var cutoff int64
			if err := cutoffRow.Scan(&cutoff); err != nil {
				return nil, Transient("RegisterSchedulers.cutoff", err)
			}

			state, err := f.InitialState(cutoff)
			if err != nil {
				return nil, err
			}

			id, err := nextID(tx, "schedulers", "schedulerid")
			if err != nil {
				return nil, err
			}
			if _, err := tx.Exec(
				"INSERT INTO schedulers (schedulerid, name, state) VALUES (?, ?, ?)",
				id, f.Name(), string(state),
			); err != nil {
				return nil, Transient("RegisterSchedulers.insert", err)
			}
			ids[i] = id
		}
		return ids, nil
	})
	return fut.Get(ctx)
}

// GetState reads a scheduler's JSON state inside tx.
func (c *Connector) GetState(tx *Tx, schedulerID int64) (json.RawMessage, error) {
	row := tx.QueryRow("SELECT state FROM schedulers WHERE schedulerid = ?", schedulerID)
	var state string
	if err := row.Scan(&state); err != nil {
		return nil, Transient("GetState", err)
	}
	return json.RawMessage(state), nil
}

// SetState writes a scheduler's JSON state inside tx. Callers must wrap
// a GetState/SetState pair in the same transaction to serialize one
// scheduler's own state mutations.
func (c *Connector) SetState(tx *Tx, schedulerID int64, state json.RawMessage) error {
	_, err := tx.Exec("UPDATE schedulers SET state = ? WHERE schedulerid = ?", string(state), schedulerID)
	if err != nil {
		return Transient("SetState", err)
	}
	return nil
}

// ClassifyChange appends one (schedulerid, changeid, important) row. No
// uniqueness constraint is enforced — a scheduler may classify the same
// change twice, intentionally or not.
func (c *Connector) ClassifyChange(tx *Tx, schedulerID, changeID int64, important bool) error {
	imp := 0
	if important {
		imp = 1
	}
	_, err := tx.Exec(
		"INSERT INTO scheduler_changes (schedulerid, changeid, important) VALUES (?, ?, ?)",
		schedulerID, changeID, imp,
	)
	if err != nil {
		return Transient("ClassifyChange", err)
	}
	return nil
}

// GetClassifiedChanges returns the changes classified for schedulerID,
// split into important and unimportant, joined with the Change store.
// Each change is read from the database inside tx; the change cache is
// neither consulted nor filled. Order within each slice is unspecified;
// sort if the caller needs determinism.
func (c *Connector) GetClassifiedChanges(ctx context.Context, tx *Tx, schedulerID int64) (important, unimportant []*Change, err error) {
	rows, err := tx.Query(
		"SELECT changeid, important FROM scheduler_changes WHERE schedulerid = ?", schedulerID)
	if err != nil {
		return nil, nil, Transient("GetClassifiedChanges", err)
	}
	defer rows.Close()

	type pair struct {
		id        int64
		important bool
	}
	var pairs []pair
	for rows.Next() {
		var id int64
		var imp int
		if err := rows.Scan(&id, &imp); err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, pair{id, imp != 0})
	}

	for _, p := range pairs {
		ch, err := loadChange(tx, p.id)
		if err != nil {
			return nil, nil, err
		}
		if ch == nil {
			continue
		}
		if p.important {
			important = append(important, ch)
		} else {
			unimportant = append(unimportant, ch)
		}
	}
	return important, unimportant, nil
}

// RetireChanges deletes the given (schedulerid, changeid) rows: a
// scheduler forgetting changes it has fully acted on.
func (c *Connector) RetireChanges(tx *Tx, schedulerID int64, changeIDs []int64) error {
	for _, changeID := range changeIDs {
		if _, err := tx.Exec(
			"DELETE FROM scheduler_changes WHERE schedulerid = ? AND changeid = ?",
			schedulerID, changeID,
		); err != nil {
			return Transient("RetireChanges", err)
		}
	}
	return nil
}

// SubscribeToBuildSet inserts an active upstream subscription row: a
// dependent scheduler waiting on bsid.
func (c *Connector) SubscribeToBuildSet(tx *Tx, schedulerID, bsid int64) error {
	_, err := tx.Exec(
		"INSERT INTO scheduler_upstream_buildsets (buildsetid, schedulerid, active) VALUES (?, ?, 1)",
		bsid, schedulerID,
	)
	if err != nil {
		return Transient("SubscribeToBuildSet", err)
	}
	return nil
}

// SubscribedBuildSet is one row from GetSubscribedBuildSets: the upstream
// buildset a dependent scheduler is waiting on, and its current
// completion state.
type SubscribedBuildSet struct {
	BuildSetID int64
	SSID       int64
	Complete   bool
	Results    int
	HasResults bool
}

// GetSubscribedBuildSets returns the buildsets schedulerID is still
// actively waiting on (active=1), each joined against its current
// completion state.
func (c *Connector) GetSubscribedBuildSets(tx *Tx, schedulerID int64) ([]SubscribedBuildSet, error) {
	rows, err := tx.Query(
		`SELECT b.id, b.sourcestampid, b.complete, b.results
		 FROM scheduler_upstream_buildsets s
		 JOIN buildsets b ON b.id = s.buildsetid
		 WHERE s.schedulerid = ? AND s.active = 1`, schedulerID)
	if err != nil {
		return nil, Transient("GetSubscribedBuildSets", err)
	}
	defer rows.Close()

	var out []SubscribedBuildSet
	for rows.Next() {
		var sub SubscribedBuildSet
		var complete int
		var results sql.NullInt64
		if err := rows.Scan(&sub.BuildSetID, &sub.SSID, &complete, &results); err != nil {
			return nil, err
		}
		sub.Complete = complete != 0
		if results.Valid {
			sub.Results = int(results.Int64)
			sub.HasResults = true
		}
		out = append(out, sub)
	}
	return out, nil
}

// UnsubscribeBuildSet flips an upstream subscription's active flag to 0:
// the dependent scheduler has consumed this buildset's completion.
func (c *Connector) UnsubscribeBuildSet(tx *Tx, schedulerID, bsid int64) error {
	_, err := tx.Exec(
		"UPDATE scheduler_upstream_buildsets SET active = 0 WHERE schedulerid = ? AND buildsetid = ?",
		schedulerID, bsid,
	)
	if err != nil {
		return Transient("UnsubscribeBuildSet", err)
	}
	return nil
}
