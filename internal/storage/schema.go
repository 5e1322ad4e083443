package storage

// schemaVersion is the only schema version this Connector understands.
// Opening a database whose version table disagrees returns ErrNotReady;
// there is no migration path.
const schemaVersion = 1

// schemaStatements returns the ordered DDL for a fresh database, with
// the dialect's auto-increment and blob column syntax substituted in.
func schemaStatements(d Dialect) []string {
	pk := d.PrimaryKeyAutoIncrement()
	blob := d.BlobType()

	return []string{
		`CREATE TABLE version (
			version INTEGER NOT NULL
		)`,

		`CREATE TABLE changes_nextid (
			next_changeid INTEGER NOT NULL
		)`,

		`CREATE TABLE changes (
			changeid INTEGER PRIMARY KEY,
			author VARCHAR(256) NOT NULL,
			comments TEXT NOT NULL,
			is_dir SMALLINT NOT NULL,
			branch VARCHAR(256),
			revision VARCHAR(256),
			revlink VARCHAR(256),
			when_timestamp INTEGER NOT NULL,
			category VARCHAR(256)
		)`,

		`CREATE TABLE change_files (
			changeid INTEGER NOT NULL,
			filename VARCHAR(1024) NOT NULL
		)`,

		`CREATE TABLE change_links (
			changeid INTEGER NOT NULL,
			link VARCHAR(1024) NOT NULL
		)`,

		`CREATE TABLE change_properties (
			changeid INTEGER NOT NULL,
			property_name VARCHAR(256) NOT NULL,
			property_value TEXT NOT NULL
		)`,

		`CREATE TABLE patches (
			id ` + pk + `,
			patchlevel INTEGER NOT NULL,
			patch_base64 ` + blob + ` NOT NULL,
			subdir VARCHAR(1024)
		)`,

		`CREATE TABLE sourcestamps (
			id ` + pk + `,
			branch VARCHAR(256),
			revision VARCHAR(256),
			patchid INTEGER
		)`,

		`CREATE TABLE sourcestamp_changes (
			sourcestampid INTEGER NOT NULL,
			changeid INTEGER NOT NULL
		)`,

		`CREATE TABLE schedulers (
			schedulerid ` + pk + `,
			name VARCHAR(256) NOT NULL,
			state TEXT NOT NULL
		)`,

		`CREATE TABLE scheduler_changes (
			schedulerid INTEGER NOT NULL,
			changeid INTEGER NOT NULL,
			important SMALLINT NOT NULL
		)`,

		`CREATE TABLE scheduler_upstream_buildsets (
			buildsetid INTEGER NOT NULL,
			schedulerid INTEGER NOT NULL,
			active SMALLINT NOT NULL
		)`,

		`CREATE TABLE buildsets (
			id ` + pk + `,
			external_idstring VARCHAR(256),
			reason VARCHAR(256),
			sourcestampid INTEGER NOT NULL,
			submitted_at INTEGER NOT NULL,
			complete SMALLINT NOT NULL DEFAULT 0,
			complete_at INTEGER,
			results INTEGER
		)`,

		`CREATE TABLE buildset_properties (
			buildsetid INTEGER NOT NULL,
			property_name VARCHAR(256) NOT NULL,
			property_value TEXT NOT NULL
		)`,

		`CREATE TABLE buildrequests (
			id ` + pk + `,
			buildsetid INTEGER NOT NULL,
			buildername VARCHAR(256) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER NOT NULL DEFAULT 0,
			claimed_by_name VARCHAR(256),
			claimed_by_incarnation VARCHAR(256),
			complete SMALLINT NOT NULL DEFAULT 0,
			results INTEGER,
			submitted_at INTEGER NOT NULL,
			complete_at INTEGER
		)`,

		`CREATE TABLE builds (
			id ` + pk + `,
			number INTEGER NOT NULL,
			brid INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			finish_time INTEGER
		)`,
	}
}
