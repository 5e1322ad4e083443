// Package mysqldriver opens the networked backend the Connector
// supports: a MySQL-wire-protocol SQL server, dialed with a
// "user[:pass]@tcp(host:port)/db?parseTime=true" DSN.
package mysqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/relayforge/buildcore/internal/dbspec"
	"github.com/relayforge/buildcore/internal/storage"
)

// Driver opens mysql-backed Connectors from a parsed connection spec.
type Driver struct {
	spec *dbspec.DBSpec
}

// New returns a Driver for spec, which must have Driver == "mysql".
func New(spec *dbspec.DBSpec) (*Driver, error) {
	if spec.Driver != "mysql" {
		return nil, fmt.Errorf("mysqldriver: unsupported driver %q", spec.Driver)
	}
	return &Driver{spec: spec}, nil
}

func (d *Driver) Dialect() storage.Dialect { return storage.MySQLDialect }

func (d *Driver) dsn() string {
	host := d.spec.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := d.spec.Port
	if port == 0 {
		port = 3306
	}
	auth := d.spec.User
	if d.spec.Password != "" {
		auth = fmt.Sprintf("%s:%s", d.spec.User, d.spec.Password)
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", auth, host, port, d.spec.Database)
}

// OpenPooled opens the multi-connection handle used for asynchronous
// operations.
func (d *Driver) OpenPooled(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("mysql", d.dsn())
	if err != nil {
		return nil, fmt.Errorf("mysqldriver: open pooled: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysqldriver: ping pooled: %w", err)
	}
	return db, nil
}

// OpenDedicated opens the single, unpooled connection used for
// synchronous bootstrap/CLI operations.
func (d *Driver) OpenDedicated(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("mysql", d.dsn())
	if err != nil {
		return nil, fmt.Errorf("mysqldriver: open dedicated: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysqldriver: ping dedicated: %w", err)
	}
	return db, nil
}
