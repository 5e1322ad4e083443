package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// BuildRequest is a demand to run one builder against one source stamp,
// belonging to exactly one BuildSet. Results is only meaningful when
// Complete is true, and a request counts as claimed iff ClaimedAt is
// within the caller's TTL window and the claim triple matches a live
// buildmaster incarnation.
type BuildRequest struct {
	ID                   int64
	BuildSetID           int64
	BuilderName          string
	Priority             int
	ClaimedAt            int64
	ClaimedByName        string
	ClaimedByIncarnation string
	Complete             bool
	Results              int
	HasResults           bool
	SubmittedAt          int64
	CompleteAt           int64
}

// Build is one worker execution attempt against a BuildRequest; a request
// may spawn more than one Build across retries.
type Build struct {
	ID         int64
	Number     int
	BRID       int64
	StartTime  int64
	FinishTime int64
	Finished   bool
}

// CreateBuildSet allocates a buildset over ssid (itself allocated via
// EnsureSourceStamp if not already assigned), inserts its property rows,
// then allocates one BuildRequest per builder name at default priority 0.
// Notifies CategoryAddBuildSet once, then CategoryAddBuildRequest once
// per request.
func (c *Connector) CreateBuildSet(ctx context.Context, ss *SourceStamp, reason string, properties map[string]PropertyValue, builderNames []string, externalID string) (int64, []int64, error) {
	type result struct {
		bsid  int64
		brids []int64
	}
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (result, error) {
		ssid, err := c.EnsureSourceStamp(tx, ss)
		if err != nil {
			return result{}, err
		}

		bsid, err := nextID(tx, "buildsets", "id")
		if err != nil {
			return result{}, err
		}
		now := tx.Now().Unix()
		if _, err := tx.Exec(
			`INSERT INTO buildsets (id, external_idstring, reason, sourcestampid, submitted_at, complete, results)
			 VALUES (?, ?, ?, ?, ?, 0, NULL)`,
			bsid, nullIfEmpty(externalID), nullIfEmpty(reason), ssid, now,
		); err != nil {
			return result{}, Transient("CreateBuildSet.insert", err)
		}

		for name, pv := range properties {
			encoded, err := json.Marshal(pv)
			if err != nil {
				return result{}, err
			}
			if _, err := tx.Exec(
				"INSERT INTO buildset_properties (buildsetid, property_name, property_value) VALUES (?, ?, ?)",
				bsid, name, string(encoded),
			); err != nil {
				return result{}, Transient("CreateBuildSet.properties", err)
			}
		}

		brids := make([]int64, 0, len(builderNames))
		for _, name := range builderNames {
			brid, err := nextID(tx, "buildrequests", "id")
			if err != nil {
				return result{}, err
			}
			if _, err := tx.Exec(
				`INSERT INTO buildrequests (id, buildsetid, buildername, priority, claimed_at, complete, submitted_at)
				 VALUES (?, ?, ?, 0, 0, 0, ?)`,
				brid, bsid, name, now,
			); err != nil {
				return result{}, Transient("CreateBuildSet.buildrequest", err)
			}
			brids = append(brids, brid)
		}

		return result{bsid, brids}, nil
	})

	r, err := fut.Get(ctx)
	if err != nil {
		return 0, nil, err
	}
	c.Notify(CategoryAddBuildSet, r.bsid)
	for _, brid := range r.brids {
		c.Notify(CategoryAddBuildRequest, brid)
	}
	return r.bsid, r.brids, nil
}

// GetUnclaimedBuildRequests returns requests for builderName that are
// incomplete and either unclaimed, claimed before staleBefore, or claimed
// by a previous (different) incarnation of masterName — a crashed run of
// the same buildmaster. Ordered by priority DESC, submitted_at ASC.
func (c *Connector) GetUnclaimedBuildRequests(ctx context.Context, builderName string, staleBefore int64, masterName, masterIncarnation string) ([]*BuildRequest, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) ([]*BuildRequest, error) {
		rows, err := tx.Query(
			`SELECT id, buildsetid, buildername, priority, claimed_at, claimed_by_name,
			        claimed_by_incarnation, complete, results, submitted_at, complete_at
			 FROM buildrequests
			 WHERE complete = 0 AND buildername = ?
			   AND (
			         claimed_at < ?
			      OR (claimed_by_name = ? AND (claimed_by_incarnation IS NULL OR claimed_by_incarnation != ?))
			       )
			 ORDER BY priority DESC, submitted_at ASC`,
			builderName, staleBefore, masterName, masterIncarnation,
		)
		if err != nil {
			return nil, Transient("GetUnclaimedBuildRequests", err)
		}
		defer rows.Close()
		return scanBuildRequests(rows)
	})
	return fut.Get(ctx)
}

func scanBuildRequests(rows *sql.Rows) ([]*BuildRequest, error) {
	var out []*BuildRequest
	for rows.Next() {
		br := &BuildRequest{}
		var claimedByName, claimedByIncarnation sql.NullString
		var results sql.NullInt64
		var completeAt sql.NullInt64
		var complete int
		if err := rows.Scan(
			&br.ID, &br.BuildSetID, &br.BuilderName, &br.Priority, &br.ClaimedAt,
			&claimedByName, &claimedByIncarnation, &complete, &results, &br.SubmittedAt, &completeAt,
		); err != nil {
			return nil, err
		}
		br.Complete = complete != 0
		br.ClaimedByName = claimedByName.String
		br.ClaimedByIncarnation = claimedByIncarnation.String
		if results.Valid {
			br.Results = int(results.Int64)
			br.HasResults = true
		}
		if completeAt.Valid {
			br.CompleteAt = completeAt.Int64
		}
		out = append(out, br)
	}
	return out, nil
}

// ClaimBuildRequests unconditionally sets the claim triple on each brid
// to (now, masterName, masterIncarnation). This is an unconditional
// update, not a compare-and-set: callers must precede it with
// GetUnclaimedBuildRequests and are responsible for the raciness that
// implies. The same call renews an existing claim with a fresh now.
func (c *Connector) ClaimBuildRequests(ctx context.Context, now time.Time, masterName, masterIncarnation string, brids []int64) error {
	if len(brids) == 0 {
		return nil
	}
	_, err := RunInteractionAsync(ctx, c, func(tx *Tx) (struct{}, error) {
		for _, brid := range brids {
			if _, err := tx.Exec(
				`UPDATE buildrequests SET claimed_at = ?, claimed_by_name = ?, claimed_by_incarnation = ?
				 WHERE id = ?`,
				now.Unix(), masterName, masterIncarnation, brid,
			); err != nil {
				return struct{}{}, Transient("ClaimBuildRequests", err)
			}
		}
		return struct{}{}, nil
	}).Get(ctx)
	return err
}

// ResubmitBuildRequests clears the claim triple on each brid to (0, NULL,
// NULL), leaving submitted_at untouched so a resubmitted request keeps
// its original place in the submitted_at ordering — older work stays
// ahead of requests submitted after it. Notifies CategoryAddBuildRequest.
func (c *Connector) ResubmitBuildRequests(ctx context.Context, brids []int64) error {
	if len(brids) == 0 {
		return nil
	}
	_, err := RunInteractionAsync(ctx, c, func(tx *Tx) (struct{}, error) {
		for _, brid := range brids {
			if _, err := tx.Exec(
				`UPDATE buildrequests SET claimed_at = 0, claimed_by_name = NULL, claimed_by_incarnation = NULL
				 WHERE id = ?`,
				brid,
			); err != nil {
				return struct{}{}, Transient("ResubmitBuildRequests", err)
			}
		}
		return struct{}{}, nil
	}).Get(ctx)
	if err != nil {
		return err
	}
	for _, brid := range brids {
		c.Notify(CategoryAddBuildRequest, brid)
	}
	return nil
}

// BuildStarted allocates a build id (max+1 over the whole builds table),
// records the caller-supplied build number and start_time = now, and
// notifies CategoryAddBuild.
func (c *Connector) BuildStarted(ctx context.Context, brid int64, number int) (int64, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (int64, error) {
		bid, err := nextID(tx, "builds", "id")
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(
			"INSERT INTO builds (id, number, brid, start_time) VALUES (?, ?, ?, ?)",
			bid, number, brid, tx.Now().Unix(),
		); err != nil {
			return 0, Transient("BuildStarted", err)
		}
		return bid, nil
	})
	bid, err := fut.Get(ctx)
	if err != nil {
		return 0, err
	}
	c.Notify(CategoryAddBuild, bid)
	return bid, nil
}

// BuildsFinished sets finish_time = now for every given build id. A
// buildrequest may have spawned more than one build across retries.
func (c *Connector) BuildsFinished(ctx context.Context, bids []int64) error {
	if len(bids) == 0 {
		return nil
	}
	_, err := RunInteractionAsync(ctx, c, func(tx *Tx) (struct{}, error) {
		now := tx.Now().Unix()
		for _, bid := range bids {
			if _, err := tx.Exec("UPDATE builds SET finish_time = ? WHERE id = ?", now, bid); err != nil {
				return struct{}{}, Transient("BuildsFinished", err)
			}
		}
		return struct{}{}, nil
	}).Get(ctx)
	return err
}

// RetireBuildRequests marks each brid complete with the given result,
// then re-evaluates every buildset touched (see rollUpBuildSet). Notifies
// CategoryRetireBuildReq once per request, then CategoryModifyBuildSet
// once per buildset that transitioned to complete.
func (c *Connector) RetireBuildRequests(ctx context.Context, brids []int64, results int) error {
	if len(brids) == 0 {
		return nil
	}
	type rollup struct {
		bsids []int64
	}
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (rollup, error) {
		now := tx.Now().Unix()
		touched := map[int64]struct{}{}
		for _, brid := range brids {
			row := tx.QueryRow("SELECT buildsetid FROM buildrequests WHERE id = ?", brid)
			var bsid int64
			if err := row.Scan(&bsid); err != nil {
				return rollup{}, Transient("RetireBuildRequests.lookup", err)
			}
			if _, err := tx.Exec(
				"UPDATE buildrequests SET complete = 1, results = ?, complete_at = ? WHERE id = ?",
				results, now, brid,
			); err != nil {
				return rollup{}, Transient("RetireBuildRequests.update", err)
			}
			touched[bsid] = struct{}{}
		}

		var completedNow []int64
		for bsid := range touched {
			ok, err := rollUpBuildSet(tx, bsid)
			if err != nil {
				return rollup{}, err
			}
			if ok {
				completedNow = append(completedNow, bsid)
			}
		}
		return rollup{bsids: completedNow}, nil
	})
	r, err := fut.Get(ctx)
	if err != nil {
		return err
	}
	for _, brid := range brids {
		c.Notify(CategoryRetireBuildReq, brid)
	}
	for _, bsid := range r.bsids {
		c.Notify(CategoryModifyBuildSet, bsid)
	}
	return nil
}

// rollUpBuildSet is the sole completion transition for a buildset: if
// bsid is already complete, or any of its requests are still incomplete,
// it does nothing. Otherwise
// it marks the buildset complete with results = FAILURE if any request
// failed, else SUCCESS. Returns true iff this call performed the
// transition — the predicate on bs.complete=0 guarantees it fires at
// most once per buildset.
func rollUpBuildSet(tx *Tx, bsid int64) (bool, error) {
	row := tx.QueryRow("SELECT complete FROM buildsets WHERE id = ?", bsid)
	var complete int
	if err := row.Scan(&complete); err != nil {
		return false, Transient("rollUpBuildSet.lookup", err)
	}
	if complete != 0 {
		return false, nil
	}

	rows, err := tx.Query("SELECT complete, results FROM buildrequests WHERE buildsetid = ?", bsid)
	if err != nil {
		return false, Transient("rollUpBuildSet.requests", err)
	}
	defer rows.Close()

	allDone := true
	anyFailed := false
	for rows.Next() {
		var reqComplete int
		var results sql.NullInt64
		if err := rows.Scan(&reqComplete, &results); err != nil {
			return false, err
		}
		if reqComplete == 0 {
			allDone = false
			break
		}
		if !results.Valid || !resultOK(int(results.Int64)) {
			anyFailed = true
		}
	}
	if !allDone {
		return false, nil
	}

	finalResult := ResultSuccess
	if anyFailed {
		finalResult = ResultFailure
	}
	if _, err := tx.Exec(
		"UPDATE buildsets SET complete = 1, complete_at = ?, results = ? WHERE id = ?",
		tx.Now().Unix(), finalResult, bsid,
	); err != nil {
		return false, Transient("rollUpBuildSet.update", err)
	}
	return true, nil
}

// ExamineBuildSet reports (successful, finished) for bsid: finished is
// true iff every request is complete; successful is true once finished
// and every request's results are in {SUCCESS, WARNINGS}, false as soon
// as any complete request fails, and unknown (neither true nor false)
// while still in flight. This is the signal dependent schedulers await.
func (c *Connector) ExamineBuildSet(ctx context.Context, bsid int64) (successful, finished bool, hasResult bool, err error) {
	type outcome struct {
		successful, finished, hasResult bool
	}
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (outcome, error) {
		rows, err := tx.Query("SELECT complete, results FROM buildrequests WHERE buildsetid = ?", bsid)
		if err != nil {
			return outcome{}, Transient("ExamineBuildSet", err)
		}
		defer rows.Close()

		finished := true
		anyFailed := false
		sawAny := false
		for rows.Next() {
			sawAny = true
			var complete int
			var results sql.NullInt64
			if err := rows.Scan(&complete, &results); err != nil {
				return outcome{}, err
			}
			if complete == 0 {
				finished = false
				continue
			}
			if !results.Valid || !resultOK(int(results.Int64)) {
				anyFailed = true
			}
		}
		if !sawAny {
			return outcome{finished: false}, nil
		}
		if anyFailed {
			return outcome{successful: false, finished: finished, hasResult: true}, nil
		}
		if finished {
			return outcome{successful: true, finished: true, hasResult: true}, nil
		}
		return outcome{finished: false, hasResult: false}, nil
	})
	o, err := fut.Get(ctx)
	if err != nil {
		return false, false, false, err
	}
	return o.successful, o.finished, o.hasResult, nil
}

// GetActiveBuildSetIDs returns the ids of every buildset not yet complete.
func (c *Connector) GetActiveBuildSetIDs(ctx context.Context) ([]int64, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) ([]int64, error) {
		rows, err := tx.Query("SELECT id FROM buildsets WHERE complete = 0")
		if err != nil {
			return nil, Transient("GetActiveBuildSetIDs", err)
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
	return fut.Get(ctx)
}

// BuildSetInfo is the read-only projection returned by GetBuildSetInfo.
type BuildSetInfo struct {
	ID          int64
	ExternalID  string
	Reason      string
	SSID        int64
	SubmittedAt int64
	Complete    bool
	CompleteAt  int64
	Results     int
	HasResults  bool
}

// GetBuildSetInfo returns bsid's row, or (nil, nil) if it doesn't exist.
func (c *Connector) GetBuildSetInfo(ctx context.Context, bsid int64) (*BuildSetInfo, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (*BuildSetInfo, error) {
		row := tx.QueryRow(
			`SELECT id, external_idstring, reason, sourcestampid, submitted_at, complete, complete_at, results
			 FROM buildsets WHERE id = ?`, bsid)
		info := &BuildSetInfo{}
		var externalID, reason sql.NullString
		var completeAt, results sql.NullInt64
		var complete int
		if err := row.Scan(&info.ID, &externalID, &reason, &info.SSID, &info.SubmittedAt, &complete, &completeAt, &results); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, Transient("GetBuildSetInfo", err)
		}
		info.ExternalID, info.Reason = externalID.String, reason.String
		info.Complete = complete != 0
		if completeAt.Valid {
			info.CompleteAt = completeAt.Int64
		}
		if results.Valid {
			info.Results = int(results.Int64)
			info.HasResults = true
		}
		return info, nil
	})
	return fut.Get(ctx)
}

// GetBuildRequestIDsForBuildSet returns a map from builder name to brid
// for every request in bsid.
func (c *Connector) GetBuildRequestIDsForBuildSet(ctx context.Context, bsid int64) (map[string]int64, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (map[string]int64, error) {
		rows, err := tx.Query("SELECT buildername, id FROM buildrequests WHERE buildsetid = ?", bsid)
		if err != nil {
			return nil, Transient("GetBuildRequestIDsForBuildSet", err)
		}
		defer rows.Close()
		out := map[string]int64{}
		for rows.Next() {
			var name string
			var id int64
			if err := rows.Scan(&name, &id); err != nil {
				return nil, err
			}
			out[name] = id
		}
		return out, nil
	})
	return fut.Get(ctx)
}

// GetBuildNumsForBRID returns the build numbers recorded for brid, across
// every retry.
func (c *Connector) GetBuildNumsForBRID(ctx context.Context, brid int64) ([]int, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) ([]int, error) {
		rows, err := tx.Query("SELECT number FROM builds WHERE brid = ? ORDER BY number ASC", brid)
		if err != nil {
			return nil, Transient("GetBuildNumsForBRID", err)
		}
		defer rows.Close()
		var nums []int
		for rows.Next() {
			var n int
			if err := rows.Scan(&n); err != nil {
				return nil, err
			}
			nums = append(nums, n)
		}
		return nums, nil
	})
	return fut.Get(ctx)
}

// GetBuildInfo returns (brid, buildername, number) for bid.
func (c *Connector) GetBuildInfo(ctx context.Context, bid int64) (brid int64, builderName string, number int, err error) {
	type info struct {
		brid        int64
		builderName string
		number      int
	}
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (info, error) {
		row := tx.QueryRow(
			`SELECT b.brid, r.buildername, b.number
			 FROM builds b JOIN buildrequests r ON r.id = b.brid
			 WHERE b.id = ?`, bid)
		var i info
		if err := row.Scan(&i.brid, &i.builderName, &i.number); err != nil {
			return info{}, Transient("GetBuildInfo", err)
		}
		return i, nil
	})
	i, err := fut.Get(ctx)
	if err != nil {
		return 0, "", 0, err
	}
	return i.brid, i.builderName, i.number, nil
}
