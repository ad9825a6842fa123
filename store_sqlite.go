package vigil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.).
	// Default: WAL.
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	// Default: NORMAL.
	Synchronous string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int

	// MaxConnections is the max number of database connections. Default: 4.
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteStore implements Store on a local SQLite file, so anomaly history
// survives restarts and can be inspected with standard SQLite tools.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStoreError(StoreOpUnknown, "open sqlite store", config.Path, err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &SQLiteStore{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreOpWrite, "initialize schema", config.Path, err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			key  TEXT    NOT NULL,
			seq  INTEGER NOT NULL,
			data BLOB    NOT NULL,
			PRIMARY KEY (key, seq)
		);
		CREATE TABLE IF NOT EXISTS state (
			key        TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

// AppendHistory implements Store.
func (s *SQLiteStore) AppendHistory(ctx context.Context, key string, entry []byte, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreOpWrite, "begin history append", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (key, seq, data)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE key = ?), ?)`,
		key, key, entry); err != nil {
		return newStoreError(StoreOpWrite, "append history", key, err)
	}

	if limit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM history
			 WHERE key = ? AND seq <= (SELECT COALESCE(MAX(seq), 0) FROM history WHERE key = ?) - ?`,
			key, key, limit); err != nil {
			return newStoreError(StoreOpTrim, "trim history", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newStoreError(StoreOpWrite, "commit history append", key, err)
	}
	return nil
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([][]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	query := `SELECT data FROM history WHERE key = ? ORDER BY seq DESC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStoreError(StoreOpRead, "read history", key, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, newStoreError(StoreOpRead, "scan history", key, err)
		}
		out = append(out, data)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError(StoreOpRead, "iterate history", key, err)
	}
	return out, nil
}

// PutState implements Store.
func (s *SQLiteStore) PutState(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, data, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data)
	if err != nil {
		return newStoreError(StoreOpWrite, "put state", key, err)
	}
	return nil
}

// GetState implements Store.
func (s *SQLiteStore) GetState(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM state WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, newStoreError(StoreOpRead, "get state", key, err)
	}
	return data, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
