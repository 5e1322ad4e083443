package storage

// Dialect isolates the handful of DDL and driver differences between the
// two backends the Connector supports. Everything else — query shape,
// placeholder style ("?"), transaction semantics — is identical across
// both of Go's database/sql drivers used here, so there is no need for
// any qmark/format paramstyle translation: both drivers accept "?"
// placeholders natively, and queries are passed to them unchanged.
type Dialect interface {
	// Name identifies the dialect for error messages and logging.
	Name() string

	// DriverName is the name registered with database/sql via sql.Open.
	DriverName() string

	// PrimaryKeyAutoIncrement returns the column-definition suffix for an
	// auto-incrementing integer primary key column.
	PrimaryKeyAutoIncrement() string

	// BlobType returns the column type used for patch bodies.
	BlobType() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                    { return "sqlite" }
func (sqliteDialect) DriverName() string              { return "sqlite3" }
func (sqliteDialect) PrimaryKeyAutoIncrement() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) BlobType() string                { return "BLOB" }

type mysqlDialect struct{}

func (mysqlDialect) Name() string                    { return "mysql" }
func (mysqlDialect) DriverName() string              { return "mysql" }
func (mysqlDialect) PrimaryKeyAutoIncrement() string { return "INT PRIMARY KEY AUTO_INCREMENT" }
func (mysqlDialect) BlobType() string                { return "LONGBLOB" }

// SQLiteDialect is the embedded, single-file backend's Dialect.
var SQLiteDialect Dialect = sqliteDialect{}

// MySQLDialect is the networked backend's Dialect.
var MySQLDialect Dialect = mysqlDialect{}
