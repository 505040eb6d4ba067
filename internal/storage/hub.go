package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Backend enumerates the storage backends starkcore can select at boot,
// grounded on the teacher's database.Hub multi-backend registration
// pattern (one primary backend selected by connection string scheme).
type BackendKind string

const (
	BackendSQLite     BackendKind = "sqlite"
	BackendPostgreSQL BackendKind = "postgresql"
)

// Opener constructs a Store for a given DSN. Backends register an Opener
// with Open so the caller never imports backend packages directly except
// at the composition root (cmd/starkcore).
type Opener func(dsn string, logger *slog.Logger) (Store, error)

var openers = map[BackendKind]Opener{}

// RegisterOpener installs the constructor for a backend kind. Called from
// each backend package's init or explicitly from the composition root —
// starkcore prefers explicit registration in cmd/starkcore/main.go so the
// dependency graph stays visible instead of hiding behind package init.
func RegisterOpener(kind BackendKind, open Opener) {
	openers[kind] = open
}

// Open selects a backend from a STARK_DATABASE_URL-style connection
// string. "sqlite:./data/starkcore.db" and bare filesystem paths select
// the SQLite backend; "postgres://" or "postgresql://" select PostgreSQL.
func Open(databaseURL string, logger *slog.Logger) (Store, error) {
	kind, dsn, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	open, ok := openers[kind]
	if !ok {
		return nil, fmt.Errorf("storage: no backend registered for %q (import its package in main)", kind)
	}
	return open(dsn, logger)
}

// ParseDatabaseURL splits a STARK_DATABASE_URL into a backend kind and the
// driver-specific DSN.
func ParseDatabaseURL(databaseURL string) (BackendKind, string, error) {
	if databaseURL == "" {
		return BackendSQLite, "./data/starkcore.db", nil
	}
	if strings.HasPrefix(databaseURL, "sqlite:") {
		return BackendSQLite, strings.TrimPrefix(databaseURL, "sqlite:"), nil
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return BackendPostgreSQL, databaseURL, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil || u.Scheme == "" {
		// bare path, treat as a sqlite file
		return BackendSQLite, databaseURL, nil
	}
	return "", "", fmt.Errorf("storage: unrecognised database URL scheme %q", u.Scheme)
}
