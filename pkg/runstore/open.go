// Package runstore persists run checkpoints and fleet locks in a local
// SQLite (or remote libsql) database.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	// Path is a local filesystem path to the run database, ":memory:", or
	// an explicit file: DSN.
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://runs.turso.io. It wins over
	// Path.
	URL string

	// AuthToken is added to URL as authToken=... unless the URL has one.
	AuthToken string

	// LockTTL is the lease after which a fleet lock may be taken over.
	// Zero disables takeover.
	LockTTL time.Duration
}

type targetKind int

const (
	targetMemory targetKind = iota
	targetFile
	targetRemote
)

// target is a resolved database location.
type target struct {
	kind targetKind
	dsn  string

	// dir is created before opening a file target.
	dir string
}

func resolveTarget(cfg Config) (target, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		dsn, err := withAuthToken(raw, cfg.AuthToken)
		if err != nil {
			return target{}, err
		}
		return target{kind: targetRemote, dsn: dsn}, nil
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return target{}, errors.New("run store path or url is required")
	case path == ":memory:":
		return target{kind: targetMemory, dsn: path}, nil
	case strings.HasPrefix(path, "libsql:"):
		return target{kind: targetRemote, dsn: path}, nil
	case strings.HasPrefix(path, "file:"):
		local, err := filePathOf(path)
		if err != nil {
			return target{}, err
		}
		return target{kind: targetFile, dsn: path, dir: parentDir(local)}, nil
	}

	clean := filepath.Clean(path)
	return target{kind: targetFile, dsn: "file:" + clean, dir: parentDir(clean)}, nil
}

// buildDSN resolves cfg and creates the database directory.
func buildDSN(cfg Config) (string, error) {
	t, err := resolveTarget(cfg)
	if err != nil {
		return "", err
	}
	if t.dir != "" {
		// #nosec G301 -- state directories use 0755 like the rest of the data dir
		if err := os.MkdirAll(t.dir, 0755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return t.dsn, nil
}

func withAuthToken(raw, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") == "" {
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func filePathOf(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return strings.TrimPrefix(p, "//"), nil
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

// openDB opens the database behind cfg with the build's libsql driver.
func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	t, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	if t.kind == targetRemote && !remoteSupported {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping run store: %w", err)
	}
	if err := tune(ctx, db, t.kind); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// tune pins local databases to one connection. In-memory databases are per
// connection, and file databases get WAL plus a busy timeout so concurrent
// hpcflow processes wait for each other's lock transactions.
func tune(ctx context.Context, db *sql.DB, kind targetKind) error {
	switch kind {
	case targetMemory:
		db.SetMaxOpenConns(1)
		return nil
	case targetRemote:
		return nil
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var timeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&timeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
