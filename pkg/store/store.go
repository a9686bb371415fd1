// Package store persists document records: metadata plus the latest full
// replica snapshot. It runs on sqlite (mattn/go-sqlite3) or postgres
// (pgx stdlib) through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// Document is the metadata of a persisted record. The snapshot content is
// loaded separately because listings never need it.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects and creates the tables when missing.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer at a time
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	blob, ts := "BLOB", "DATETIME"
	if s.driver == DriverPostgres {
		blob, ts = "BYTEA", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL PRIMARY KEY,
			title TEXT NOT NULL,
			content ` + blob + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_quarantine (
			id TEXT NOT NULL,
			content ` + blob + ` NOT NULL,
			quarantined_at ` + ts + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	slog.Debug("ensured tables exist", "driver", s.driver)
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
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

func (s *Store) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at, updated_at FROM documents ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make([]Document, 0)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	d := Document{ID: id}
	if err := s.db.QueryRowContext(
		ctx, s.rebind(`SELECT title, created_at, updated_at FROM documents WHERE id = ?`), id,
	).Scan(&d.Title, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("failed to query document: %w", err)
	}
	return d, nil
}

// EnsureDocument inserts an empty record unless one exists and reports
// whether it inserted.
func (s *Store) EnsureDocument(ctx context.Context, id, title string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO documents (id, title, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		id, title, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count inserted rows: %w", err)
	}
	return n > 0, nil
}

// Create inserts a new record and fails with ErrExists on a duplicate id.
func (s *Store) Create(ctx context.Context, id, title string) (Document, error) {
	created, err := s.EnsureDocument(ctx, id, title)
	if err != nil {
		return Document{}, err
	}
	if !created {
		return Document{}, ErrExists
	}
	return s.Get(ctx, id)
}

// LoadContent returns the stored snapshot, which is nil for a record that was
// never written to.
func (s *Store) LoadContent(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	if err := s.db.QueryRowContext(
		ctx, s.rebind(`SELECT content FROM documents WHERE id = ?`), id,
	).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query content: %w", err)
	}
	return content, nil
}

// SaveContent overwrites the snapshot and bumps updated_at.
func (s *Store) SaveContent(ctx context.Context, id string, content []byte) (time.Time, error) {
	now := s.now()
	res, err := s.db.ExecContext(
		ctx, s.rebind(`UPDATE documents SET content = ?, updated_at = ? WHERE id = ?`), content, now, id,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to update content: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return time.Time{}, fmt.Errorf("failed to count updated rows: %w", err)
	} else if n == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count deleted rows: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Quarantine keeps a copy of a snapshot that failed to load.
func (s *Store) Quarantine(ctx context.Context, id string, content []byte) error {
	if _, err := s.db.ExecContext(
		ctx, s.rebind(`INSERT INTO document_quarantine (id, content, quarantined_at) VALUES (?, ?, ?)`), id, content, s.now(),
	); err != nil {
		return fmt.Errorf("failed to quarantine content: %w", err)
	}
	return nil
}

// Quarantined returns the number of quarantined snapshots held for id.
func (s *Store) Quarantined(ctx context.Context, id string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(
		ctx, s.rebind(`SELECT COUNT(*) FROM document_quarantine WHERE id = ?`), id,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quarantined content: %w", err)
	}
	return n, nil
}
