package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Opener is implemented by the two backend packages
// (internal/storage/sqlitedriver, internal/storage/mysqldriver). It opens
// a pooled *sql.DB and a dedicated, single-connection *sql.DB against the
// same underlying database.
type Opener interface {
	Dialect() Dialect
	OpenPooled(ctx context.Context) (*sql.DB, error)
	OpenDedicated(ctx context.Context) (*sql.DB, error)
}

// Create bootstraps a brand-new database: it refuses to proceed if a
// version table already exists (ErrAlreadyExists), otherwise runs the
// declarative schema and writes version=1.
func Create(ctx context.Context, o Opener, opts ...ConnectorOption) (*Connector, error) {
	pooled, err := o.OpenPooled(ctx)
	if err != nil {
		return nil, fmt.Errorf("buildcore/storage: open pooled connection: %w", err)
	}
	dedicated, err := o.OpenDedicated(ctx)
	if err != nil {
		_ = pooled.Close()
		return nil, fmt.Errorf("buildcore/storage: open dedicated connection: %w", err)
	}

	if tableExists(ctx, dedicated, "version") {
		_ = pooled.Close()
		_ = dedicated.Close()
		return nil, ErrAlreadyExists
	}

	for _, stmt := range schemaStatements(o.Dialect()) {
		if _, err := dedicated.ExecContext(ctx, stmt); err != nil {
			_ = pooled.Close()
			_ = dedicated.Close()
			return nil, Transient("Create.schema", err)
		}
	}
	if _, err := dedicated.ExecContext(ctx, "INSERT INTO version (version) VALUES (?)", schemaVersion); err != nil {
		_ = pooled.Close()
		_ = dedicated.Close()
		return nil, Transient("Create.version", err)
	}
	if _, err := dedicated.ExecContext(ctx, "INSERT INTO changes_nextid (next_changeid) VALUES (0)"); err != nil {
		_ = pooled.Close()
		_ = dedicated.Close()
		return nil, Transient("Create.nextid", err)
	}

	conn := newConnector(o, pooled, dedicated, opts...)
	conn.log.Info("database created", "dialect", o.Dialect().Name())
	return conn, nil
}

// Open connects to an existing database and verifies its schema version.
// A missing version table, or a version other than schemaVersion, returns
// ErrNotReady.
func Open(ctx context.Context, o Opener, opts ...ConnectorOption) (*Connector, error) {
	pooled, err := o.OpenPooled(ctx)
	if err != nil {
		return nil, fmt.Errorf("buildcore/storage: open pooled connection: %w", err)
	}
	dedicated, err := o.OpenDedicated(ctx)
	if err != nil {
		_ = pooled.Close()
		return nil, fmt.Errorf("buildcore/storage: open dedicated connection: %w", err)
	}

	conn := newConnector(o, pooled, dedicated, opts...)

	version, ok, err := conn.GetVersion(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok || version != schemaVersion {
		_ = conn.Close()
		return nil, ErrNotReady
	}
	conn.log.Info("database opened", "dialect", o.Dialect().Name(), "version", version)
	return conn, nil
}

// tableExists probes for a table's presence without needing dialect-
// specific information_schema queries: a harmless SELECT either succeeds
// or fails with a "no such table"/"doesn't exist" style error.
func tableExists(ctx context.Context, db *sql.DB, name string) bool {
	_, err := db.ExecContext(ctx, "SELECT 1 FROM "+name+" LIMIT 1")
	return err == nil
}
