// Package sqlitestate implements a durable engine.StateProvider backed by
// modernc.org/sqlite, a pure-Go SQLite driver requiring no cgo. It is an
// alternative to the filestate provider for deployments that want a single
// queryable file instead of one file per conversation tuple.
package sqlitestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_state (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_state_expires_at ON conversation_state(expires_at);
`

// Provider persists ConversationState records in a single SQLite database.
type Provider struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Provider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestate: open %s: %w", path, err)
	}
	// SQLite permits only one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent Save calls from this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestate: create schema: %w", err)
	}
	return &Provider{db: db}, nil
}

// Close closes the underlying database handle.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Get loads the persisted state for tuple. A missing row is a miss, not an
// error: (nil, nil).
func (p *Provider) Get(ctx context.Context, tuple matchstate.Tuple) (*matchstate.ConversationState, error) {
	row := p.db.QueryRowContext(ctx, `SELECT data FROM conversation_state WHERE id = ?`, tuple.ID())

	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlitestate: query %s: %w", tuple.ID(), err)
	}

	var state matchstate.ConversationState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("sqlitestate: unmarshal state %s: %w", tuple.ID(), err)
	}
	return &state, nil
}

// Save upserts state, keyed by its ID.
func (p *Provider) Save(ctx context.Context, state *matchstate.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sqlitestate: marshal state %s: %w", state.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO conversation_state (id, data, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`, state.ID, string(data), state.ExpiresAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlitestate: upsert %s: %w", state.ID, err)
	}
	return nil
}

// PurgeExpired deletes every row whose expires_at is at or before nowMS,
// for periodic garbage collection of abandoned conversation state.
func (p *Provider) PurgeExpired(ctx context.Context, nowMS int64) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM conversation_state WHERE expires_at <= ?`, nowMS)
	if err != nil {
		return 0, fmt.Errorf("sqlitestate: purge expired: %w", err)
	}
	return res.RowsAffected()
}
