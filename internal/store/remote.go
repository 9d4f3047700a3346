package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
)

// NewRemote opens a storage adapter against a configured storage URL,
// satisfying the same Adapter contract as SQLiteStore. Only sqlite:// URLs
// and scheme-less paths are accepted (opened with modernc.org/sqlite); any
// other scheme, such as postgres://, returns an error rather than falling
// back to the local store.
func NewRemote(databaseURL string) (*SQLiteStore, error) {
	driverName, dsn, err := driverForURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote store (%s): %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping remote store (%s): %w", driverName, err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize remote schema: %w", err)
	}
	return store, nil
}

func driverForURL(raw string) (driverName, dsn string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse storage URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "sqlite", "":
		return "sqlite", strings.TrimPrefix(raw, u.Scheme+"://"), nil
	default:
		return "", "", fmt.Errorf("unsupported storage URL scheme %q: only sqlite is supported", u.Scheme)
	}
}
