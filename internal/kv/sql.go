package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name        string
	schema      string
	upsert      string
	remove      string
	selectOne   string
	placeholder func(i int) string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name: DriverSQLite,
		schema: `CREATE TABLE IF NOT EXISTS kv_entries (
    entry_key TEXT PRIMARY KEY,
    entry_value TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`,
		upsert: `INSERT INTO kv_entries (entry_key, entry_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (entry_key) DO UPDATE SET entry_value = excluded.entry_value, updated_at = excluded.updated_at`,
		remove:      `DELETE FROM kv_entries WHERE entry_key = ?`,
		selectOne:   `SELECT entry_value FROM kv_entries WHERE entry_key = ?`,
		placeholder: func(int) string { return "?" },
	},
	DriverPostgres: {
		name: DriverPostgres,
		schema: `CREATE TABLE IF NOT EXISTS kv_entries (
    entry_key TEXT PRIMARY KEY,
    entry_value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
		upsert: `INSERT INTO kv_entries (entry_key, entry_value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (entry_key) DO UPDATE SET entry_value = excluded.entry_value, updated_at = excluded.updated_at`,
		remove:      `DELETE FROM kv_entries WHERE entry_key = $1`,
		selectOne:   `SELECT entry_value FROM kv_entries WHERE entry_key = $1`,
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	},
}

// SQL stores entries in a single table of a database/sql database. Each
// Batch runs in one transaction.
type SQL struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ Store = (*SQL)(nil)

// NewSQL wraps db and creates the entries table if needed. driver is
// DriverSQLite or DriverPostgres.
func NewSQL(ctx context.Context, db *sql.DB, driver string) (*SQL, error) {
	if db == nil {
		return nil, errors.New("kv: sql db is required")
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("kv: unsupported sql driver %q", driver)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("kv: ensure schema: %w", err)
	}
	return &SQL{db: db, dialect: d, now: time.Now}, nil
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("kv: storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: ping sqlite: %w", err)
	}
	s, err := NewSQL(ctx, db, DriverSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("kv: postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: ping postgres: %w", err)
	}
	s, err := NewSQL(ctx, db, DriverPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open returns the store selected by driver. dsn is a file path for sqlite
// and a connection string for postgres; it is ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		return OpenSQLite(ctx, dsn)
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("kv: unsupported driver %q", driver)
	}
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.dialect.selectOne, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQL) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		marks[i] = s.dialect.placeholder(i + 1)
		args[i] = k
	}
	query := "SELECT entry_key, entry_value FROM kv_entries WHERE entry_key IN (" + strings.Join(marks, ", ") + ")"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: get many: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv: scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: rows: %w", err)
	}
	return out, nil
}

func (s *SQL) Apply(ctx context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	var stamp any = now.Format(timeFormat)
	if s.dialect.name == DriverPostgres {
		stamp = now
	}
	for _, o := range b.ops {
		if o.delete {
			if _, err := tx.ExecContext(ctx, s.dialect.remove, o.key); err != nil {
				return fmt.Errorf("kv: delete %s: %w", o.key, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, s.dialect.upsert, o.key, o.value, stamp); err != nil {
			return fmt.Errorf("kv: put %s: %w", o.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
