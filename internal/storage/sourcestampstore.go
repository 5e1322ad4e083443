package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
)

// Patch is an immutable diff applied on top of a SourceStamp's checkout.
type Patch struct {
	ID     int64
	Level  int
	Bytes  []byte
	Subdir string
}

// SourceStamp is an immutable "what to check out" tuple: branch,
// revision, optional patch, and the changes it covers. A patch belongs
// to exactly one source stamp.
type SourceStamp struct {
	SSID     int64
	Branch   string
	Revision string
	Patch    *Patch
	// Changes holds change ids. A stamp read back by GetSourceStamp lists
	// them in ascending id order; the order supplied at creation is not
	// stored.
	Changes []int64
}

// GetSourceStamp returns the source stamp with the given id, or (nil,
// nil) if none exists. Cache-through.
func (c *Connector) GetSourceStamp(ctx context.Context, ssid int64) (*SourceStamp, error) {
	if cached, ok := c.cachedSourceStamp(ssid); ok {
		return cached, nil
	}
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (*SourceStamp, error) {
		return loadSourceStamp(tx, ssid)
	})
	ss, err := fut.Get(ctx)
	if err != nil {
		return nil, err
	}
	if ss == nil {
		return nil, nil
	}
	c.cacheSourceStamp(ss)
	return ss, nil
}

func loadSourceStamp(tx *Tx, ssid int64) (*SourceStamp, error) {
	row := tx.QueryRow("SELECT id, branch, revision, patchid FROM sourcestamps WHERE id = ?", ssid)
	ss := &SourceStamp{}
	var branch, revision sql.NullString
	var patchID sql.NullInt64
	if err := row.Scan(&ss.SSID, &branch, &revision, &patchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, Transient("loadSourceStamp", err)
	}
	ss.Branch, ss.Revision = branch.String, revision.String

	if patchID.Valid {
		patchRow := tx.QueryRow("SELECT id, patchlevel, patch_base64, subdir FROM patches WHERE id = ?", patchID.Int64)
		var p Patch
		var encoded string
		var subdir sql.NullString
		if err := patchRow.Scan(&p.ID, &p.Level, &encoded, &subdir); err != nil {
			return nil, Transient("loadSourceStamp.patch", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		p.Bytes = decoded
		p.Subdir = subdir.String
		ss.Patch = &p
	}

	rows, err := tx.Query(
		"SELECT changeid FROM sourcestamp_changes WHERE sourcestampid = ? ORDER BY changeid ASC", ssid)
	if err != nil {
		return nil, Transient("loadSourceStamp.changes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ss.Changes = append(ss.Changes, id)
	}
	return ss, nil
}

// EnsureSourceStamp returns ss.SSID if already assigned; otherwise it
// allocates an ssid (and a patchid, if ss.Patch is set) by the max+1 rule,
// writes the sourcestamp row and one sourcestamp_changes row per change
// in the given order, and returns the new ssid. Runs inside the supplied
// transaction — callers typically call this from within a scheduler's
// own interaction (e.g. CreateBuildSet).
func (c *Connector) EnsureSourceStamp(tx *Tx, ss *SourceStamp) (int64, error) {
	if ss.SSID != 0 {
		return ss.SSID, nil
	}

	var patchID sql.NullInt64
	if ss.Patch != nil {
		id, err := nextID(tx, "patches", "id")
		if err != nil {
			return 0, err
		}
		encoded := base64.StdEncoding.EncodeToString(ss.Patch.Bytes)
		if _, err := tx.Exec(
			"INSERT INTO patches (id, patchlevel, patch_base64, subdir) VALUES (?, ?, ?, ?)",
			id, ss.Patch.Level, encoded, nullIfEmpty(ss.Patch.Subdir),
		); err != nil {
			return 0, Transient("EnsureSourceStamp.patch", err)
		}
		ss.Patch.ID = id
		patchID = sql.NullInt64{Int64: id, Valid: true}
	}

	ssid, err := nextID(tx, "sourcestamps", "id")
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"INSERT INTO sourcestamps (id, branch, revision, patchid) VALUES (?, ?, ?, ?)",
		ssid, nullIfEmpty(ss.Branch), nullIfEmpty(ss.Revision), patchID,
	); err != nil {
		return 0, Transient("EnsureSourceStamp.sourcestamps", err)
	}
	for _, changeID := range ss.Changes {
		if _, err := tx.Exec(
			"INSERT INTO sourcestamp_changes (sourcestampid, changeid) VALUES (?, ?)", ssid, changeID,
		); err != nil {
			return 0, Transient("EnsureSourceStamp.changes", err)
		}
	}

	ss.SSID = ssid
	return ssid, nil
}

// nextID implements the "max+1" id allocation rule: the new id is
// max(current id in table, 0) + 1, computed and consumed inside the
// caller's own transaction so concurrent allocators serialize on the
// table's row lock.
func nextID(tx *Tx, table, column string) (int64, error) {
	row := tx.QueryRow("SELECT COALESCE(MAX(" + column + "), 0) FROM " + table)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, Transient("nextID."+table, err)
	}
	return max + 1, nil
}
