package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asmvp/asmv-go"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore provides a SQLite-backed implementation of the Store interface.
// It persists suspended contexts across process restarts without requiring
// an external service, which suits single-instance deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a context store backed by a local SQLite file.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
// Call Init before first use.
func NewSQLiteStore(dbPath string) *SQLiteStore {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}
}

// Init creates the contexts table if it does not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS contexts (
		key TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Put persists a record, replacing any previous record under the key.
func (s *SQLiteStore) Put(ctx context.Context, key string, rec Record) error {
	if key == "" {
		return ErrInvalidKey
	}

	channel, err := json.Marshal(rec.Channel)
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contexts (key, channel, state, updated_at) VALUES (?, ?, ?, ?)`,
		key, string(channel), string(rec.State), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put context: %w", err)
	}
	return nil
}

// Get retrieves a record by key. Returns ErrNotFound if no row exists.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	var channelText, stateText string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, state FROM contexts WHERE key = ?`, key,
	).Scan(&channelText, &stateText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}

	var channel asmv.Channel
	if err := json.Unmarshal([]byte(channelText), &channel); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
	}
	return &Record{Channel: channel, State: json.RawMessage(stateText)}, nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
