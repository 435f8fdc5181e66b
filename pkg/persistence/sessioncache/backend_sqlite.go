package sessioncache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteBackend stores the cache record in a single row of the session_cache table,
// keyed by (scope, cache_key) so several profiles can share one database file.
type SQLiteBackend struct {
	db    *sql.DB
	scope string
	key   string
}

var _ Backend = &SQLiteBackend{}

func NewSQLiteBackend(dsn, scope, key string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, errors.New("sqlite session cache: empty dsn")
	}
	if strings.TrimSpace(scope) == "" {
		scope = "default"
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	b := &SQLiteBackend{db: db, scope: scope, key: key}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	if b == nil || b.db == nil {
		return errors.New("sqlite session cache: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_cache (
		  scope TEXT NOT NULL,
		  cache_key TEXT NOT NULL,
		  payload TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (scope, cache_key)
		);`,
	}
	for _, st := range stmts {
		if _, err := b.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session cache: migrate")
		}
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]byte, error) {
	if b == nil || b.db == nil {
		return nil, errors.New("sqlite session cache: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var payload string
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM session_cache WHERE scope = ? AND cache_key = ?`,
		b.scope, b.key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session cache: load")
	}
	return []byte(payload), nil
}

func (b *SQLiteBackend) Save(ctx context.Context, data []byte) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite session cache: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO session_cache (scope, cache_key, payload, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, cache_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at_ms = excluded.updated_at_ms
	`, b.scope, b.key, string(data), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite session cache: save")
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// SQLiteDSNForFile builds a DSN for an on-disk database with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite session cache: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
