// Package snapshot records content-hash manifests of the metadata tree per
// ref in a SQL database and diffs two manifests without a version control
// system.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// File is one captured file of a snapshot
type File struct {
	Path    string
	Hash    string
	Content []byte
}

// Store persists snapshots
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with driver and ensures the schema exists
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported snapshot driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	s := NewStore(db, driver)
	if err := s.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Initialize ensures the snapshot tables exist. Refs captured before the
// refs table existed are registered from their files.
func (s *Store) Initialize(ctx context.Context) error {
	blob := "BLOB"
	if s.driver == DriverPostgres {
		blob = "BYTEA"
	}
	queries := []string{`
CREATE TABLE IF NOT EXISTS snapshot_refs (
	ref VARCHAR(255) NOT NULL PRIMARY KEY
)`, `
CREATE TABLE IF NOT EXISTS snapshot_files (
	ref VARCHAR(255) NOT NULL,
	path TEXT NOT NULL,
	hash CHAR(64) NOT NULL,
	content ` + blob + `,
	PRIMARY KEY (ref, path)
)`,
		`INSERT INTO snapshot_refs (ref) SELECT DISTINCT ref FROM snapshot_files WHERE true ON CONFLICT (ref) DO NOTHING`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to initialize snapshot tables: %w", err)
		}
	}
	return nil
}

// Save replaces the snapshot of ref with files in one transaction. The ref
// is recorded even when files is empty.
func (s *Store) Save(ctx context.Context, ref string, files []File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM snapshot_files WHERE ref = ?`), ref); err != nil {
		return fmt.Errorf("failed to clear snapshot %q: %w", ref, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO snapshot_refs (ref) VALUES (?) ON CONFLICT (ref) DO NOTHING`), ref); err != nil {
		return fmt.Errorf("failed to record snapshot %q: %w", ref, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO snapshot_files (ref, path, hash, content) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, ref, f.Path, f.Hash, f.Content); err != nil {
			return fmt.Errorf("failed to record %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot %q: %w", ref, err)
	}
	return nil
}

// Hashes returns path → hash of ref. An unknown ref is an error so that a
// typo is not mistaken for an empty tree.
func (s *Store) Hashes(ctx context.Context, ref string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT path, hash FROM snapshot_files WHERE ref = ? ORDER BY path`), ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot %q: %w", ref, err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot file: %w", err)
		}
		hashes[path] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		exists, err := s.Exists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("snapshot %q does not exist", ref)
		}
	}
	return hashes, nil
}

// Exists reports whether ref was captured
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM snapshot_refs WHERE ref = ?`), ref).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query snapshot %q: %w", ref, err)
	}
	return n > 0, nil
}

// Content returns the captured content of path at ref
func (s *Store) Content(ctx context.Context, ref, path string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT content FROM snapshot_files WHERE ref = ? AND path = ?`), ref, path).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s is not part of snapshot %q", path, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %q: %w", path, ref, err)
	}
	return content, nil
}

// Refs lists the captured refs
func (s *Store) Refs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref FROM snapshot_refs ORDER BY ref`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
