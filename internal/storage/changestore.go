package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
)

// Change is one VCS commit-like event. Immutable once inserted —
// AddChange is the only writer.
type Change struct {
	ChangeID int64
	Author   string
	Comments string
	IsDir    bool
	Branch   string
	Revision string
	Revlink  string
	When     int64 // seconds since epoch
	Category string
	Files    []string
	Links    []string
	// Properties maps a property name to its (value, source) pair, stored
	// JSON-encoded.
	Properties map[string]PropertyValue
}

// PropertyValue is a build property's value together with the name of
// whatever assigned it (a scheduler, a change source, a human).
type PropertyValue struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// AddChange assigns changeid (dense, ascending, issued by the
// changes_nextid counter), writes the change and its subtables, caches
// it, and notifies CategoryAddChange. Runs as one interaction on the
// pooled connection.
func (c *Connector) AddChange(ctx context.Context, ch *Change) (*Change, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (*Change, error) {
		return c.insertChange(tx, ch)
	})
	result, err := fut.Get(ctx)
	if err != nil {
		return nil, err
	}
	c.cacheChange(result)
	c.Notify(CategoryAddChange, result.ChangeID)
	return result, nil
}

func (c *Connector) insertChange(tx *Tx, ch *Change) (*Change, error) {
	row := tx.QueryRow("SELECT next_changeid FROM changes_nextid")
	var next int64
	if err := row.Scan(&next); err != nil {
		return nil, Transient("insertChange.nextid", err)
	}

	changeID := next + 1
	if ch.ChangeID != 0 && ch.ChangeID >= changeID {
		// Caller pre-specified a change number (a change source replaying
		// history); the counter must still advance past it.
		changeID = ch.ChangeID
	}
	if _, err := tx.Exec("UPDATE changes_nextid SET next_changeid = ?", changeID); err != nil {
		return nil, Transient("insertChange.nextid.update", err)
	}

	isDir := 0
	if ch.IsDir {
		isDir = 1
	}
	_, err := tx.Exec(
		`INSERT INTO changes (changeid, author, comments, is_dir, branch, revision, revlink, when_timestamp, category)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		changeID, ch.Author, ch.Comments, isDir, nullIfEmpty(ch.Branch), nullIfEmpty(ch.Revision),
		nullIfEmpty(ch.Revlink), ch.When, nullIfEmpty(ch.Category),
	)
	if err != nil {
		return nil, Transient("insertChange.changes", err)
	}

	for _, f := range ch.Files {
		if _, err := tx.Exec("INSERT INTO change_files (changeid, filename) VALUES (?, ?)", changeID, f); err != nil {
			return nil, Transient("insertChange.files", err)
		}
	}
	for _, l := range ch.Links {
		if _, err := tx.Exec("INSERT INTO change_links (changeid, link) VALUES (?, ?)", changeID, l); err != nil {
			return nil, Transient("insertChange.links", err)
		}
	}
	for name, pv := range ch.Properties {
		encoded, err := json.Marshal(pv)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			"INSERT INTO change_properties (changeid, property_name, property_value) VALUES (?, ?, ?)",
			changeID, name, string(encoded),
		); err != nil {
			return nil, Transient("insertChange.properties", err)
		}
	}

	result := *ch
	result.ChangeID = changeID
	sort.Strings(result.Files)
	sort.Strings(result.Links)
	return &result, nil
}

// GetChange returns the change with the given id, or (nil, nil) if none
// exists. Cache-through.
func (c *Connector) GetChange(ctx context.Context, changeID int64) (*Change, error) {
	if cached, ok := c.cachedChange(changeID); ok {
		return cached, nil
	}
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) (*Change, error) {
		return loadChange(tx, changeID)
	})
	ch, err := fut.Get(ctx)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, nil
	}
	c.cacheChange(ch)
	return ch, nil
}

func loadChange(tx *Tx, changeID int64) (*Change, error) {
	row := tx.QueryRow(
		`SELECT changeid, author, comments, is_dir, branch, revision, revlink, when_timestamp, category
		 FROM changes WHERE changeid = ?`, changeID)

	ch := &Change{}
	var branch, revision, revlink, category sql.NullString
	var isDir int
	if err := row.Scan(&ch.ChangeID, &ch.Author, &ch.Comments, &isDir, &branch, &revision, &revlink, &ch.When, &category); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, Transient("loadChange", err)
	}
	ch.IsDir = isDir != 0
	ch.Branch, ch.Revision, ch.Revlink, ch.Category = branch.String, revision.String, revlink.String, category.String

	fileRows, err := tx.Query("SELECT filename FROM change_files WHERE changeid = ? ORDER BY filename", changeID)
	if err != nil {
		return nil, Transient("loadChange.files", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var f string
		if err := fileRows.Scan(&f); err != nil {
			return nil, err
		}
		ch.Files = append(ch.Files, f)
	}

	linkRows, err := tx.Query("SELECT link FROM change_links WHERE changeid = ? ORDER BY link", changeID)
	if err != nil {
		return nil, Transient("loadChange.links", err)
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var l string
		if err := linkRows.Scan(&l); err != nil {
			return nil, err
		}
		ch.Links = append(ch.Links, l)
	}

	propRows, err := tx.Query("SELECT property_name, property_value FROM change_properties WHERE changeid = ?", changeID)
	if err != nil {
		return nil, Transient("loadChange.properties", err)
	}
	defer propRows.Close()
	ch.Properties = map[string]PropertyValue{}
	for propRows.Next() {
		var name, encoded string
		if err := propRows.Scan(&name, &encoded); err != nil {
			return nil, err
		}
		var pv PropertyValue
		if err := json.Unmarshal([]byte(encoded), &pv); err != nil {
			return nil, err
		}
		ch.Properties[name] = pv
	}

	return ch, nil
}

// GetChangesGreaterThan returns every change with id > lastChangeID,
// sorted ascending.
func (c *Connector) GetChangesGreaterThan(ctx context.Context, lastChangeID int64) ([]*Change, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) ([]*Change, error) {
		rows, err := tx.Query("SELECT changeid FROM changes WHERE changeid > ? ORDER BY changeid ASC", lastChangeID)
		if err != nil {
			return nil, Transient("GetChangesGreaterThan", err)
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
		out := make([]*Change, 0, len(ids))
		for _, id := range ids {
			ch, err := loadChange(tx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		}
		return out, nil
	})
	return fut.Get(ctx)
}

// ChangeFilter narrows IterateChanges. A nil/empty slice field imposes no
// constraint on that column; MinTime == 0 imposes no time constraint.
// Each clause binds its own argument list.
type ChangeFilter struct {
	Branches   []string
	Categories []string
	Committers []string
	MinTime    int64
}

// IterateChanges returns changes matching filter, newest (highest
// changeid) first.
func (c *Connector) IterateChanges(ctx context.Context, filter ChangeFilter) ([]*Change, error) {
	fut := RunInteractionAsync(ctx, c, func(tx *Tx) ([]*Change, error) {
		query := "SELECT changeid FROM changes WHERE 1=1"
		var args []any
		if len(filter.Branches) > 0 {
			query += " AND branch IN " + c.Placeholders(len(filter.Branches))
			for _, b := range filter.Branches {
				args = append(args, b)
			}
		}
		if len(filter.Categories) > 0 {
			query += " AND category IN " + c.Placeholders(len(filter.Categories))
			for _, cat := range filter.Categories {
				args = append(args, cat)
			}
		}
		if len(filter.Committers) > 0 {
			query += " AND author IN " + c.Placeholders(len(filter.Committers))
			for _, committer := range filter.Committers {
				args = append(args, committer)
			}
		}
		if filter.MinTime > 0 {
			query += " AND when_timestamp > ?"
			args = append(args, filter.MinTime)
		}
		query += " ORDER BY changeid DESC"

		rows, err := tx.Query(query, args...)
		if err != nil {
			return nil, Transient("IterateChanges", err)
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
		out := make([]*Change, 0, len(ids))
		for _, id := range ids {
			ch, err := loadChange(tx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		}
		return out, nil
	})
	return fut.Get(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
