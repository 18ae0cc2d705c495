package bulk

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "flowq/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrClosed = errors.New("bulk: store is closed")

// Row is one key/value pair.
type Row struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store is a SQLite-backed key/value table.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (and migrates) the SQLite database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, busyTimeout time.Duration, log logx.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("bulk: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s, err := New(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB, log logx.Logger) (*Store, error) {
	if db == nil {
		return nil, ErrClosed
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{db: db, log: log.With(logx.String("comp", "bulk"))}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the row for key. ok is false when it does not exist.
func (s *Store) Get(ctx context.Context, key string) (row Row, ok bool, err error) {
	if s == nil || s.db == nil {
		return Row{}, false, ErrClosed
	}
	var ms int64
	err = s.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM results WHERE key = ?`, key).Scan(&row.Key, &row.Value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	row.UpdatedAt = time.UnixMilli(ms)
	return row, true, nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n)
	return n, err
}
