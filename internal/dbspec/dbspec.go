// Package dbspec parses the connection URLs the Connector accepts:
//
//	driver://[user[:pass]@][host[:port]]/database[?k=v&...]
//
// Only two driver names are recognized: "sqlite" (embedded, file- or
// memory-backed) and "mysql" (networked, speaks the MySQL wire protocol).
// Any occurrence of the literal "%(basedir)s" in the URL is substituted
// with the caller-supplied base directory before parsing. Substitution
// must happen first: "%(b" is not a valid URL escape sequence, so the
// raw token would not survive url.Parse.
package dbspec

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrConfiguration is returned for malformed connection URLs or
// unsupported driver names. It is distinct from storage.ErrConfiguration;
// storage.Open takes an already-built Opener and does not parse URLs.
var ErrConfiguration = errors.New("buildcore/dbspec: configuration error")

// DBSpec is the parsed, ready-to-use form of a connection URL.
type DBSpec struct {
	Driver   string // "sqlite" or "mysql"
	User     string
	Password string
	Host     string
	Port     int
	Database string // file path for sqlite, schema name for mysql
	Params   map[string]string
}

const basedirToken = "%(basedir)s"

// Parse parses rawURL, substituting basedir for any %(basedir)s token
// first. basedir may be empty if the URL contains no such token.
//
// sqlite paths follow the SQLAlchemy slash convention:
// sqlite:///state.db is relative, sqlite:////var/lib/bm/state.db is
// absolute. A sqlite URL with a user, host, or port is a configuration
// error — the embedded backend has no server to authenticate against.
func Parse(rawURL, basedir string) (*DBSpec, error) {
	rawURL = strings.ReplaceAll(rawURL, basedirToken, basedir)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	switch u.Scheme {
	case "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q (want sqlite or mysql)", ErrConfiguration, u.Scheme)
	}

	spec := &DBSpec{
		Driver: u.Scheme,
		Params: map[string]string{},
	}

	if u.User != nil {
		spec.User = u.User.Username()
		spec.Password, _ = u.User.Password()
	}
	spec.Host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrConfiguration, portStr)
		}
		spec.Port = port
	}

	database := strings.TrimPrefix(u.Path, "/")
	if u.Opaque != "" {
		// sqlite:relative/path.db style URLs put the path in Opaque once
		// there's no authority section; fall back to it.
		database = u.Opaque
	}
	spec.Database = database

	for k, vals := range u.Query() {
		if len(vals) > 0 {
			spec.Params[k] = vals[len(vals)-1]
		}
	}

	if spec.Driver == "sqlite" {
		if spec.User != "" || spec.Host != "" || spec.Port != 0 {
			return nil, fmt.Errorf("%w: sqlite URL must not carry user/host/port", ErrConfiguration)
		}
		if spec.Database == "" {
			return nil, fmt.Errorf("%w: sqlite URL requires a database path", ErrConfiguration)
		}
	}
	if spec.Driver == "mysql" && spec.Database == "" {
		return nil, fmt.Errorf("%w: mysql URL requires a database name", ErrConfiguration)
	}

	return spec, nil
}
