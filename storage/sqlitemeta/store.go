// Package sqlitemeta implements follower.CheckpointStore on a single-row
// SQLite table, giving the follower's ApplierState durable, atomic
// persistence independent of the document storage engine.
package sqlitemeta

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/estuary/dbfollower/follower"
	"github.com/estuary/dbfollower/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS applier_state (
	id    INTEGER PRIMARY KEY CHECK (id = 0),
	state TEXT NOT NULL
);`

// Store is a follower.CheckpointStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Load implements follower.CheckpointStore.
func (s *Store) Load(ctx context.Context) (follower.State, error) {
	var raw string
	var err = s.db.QueryRowContext(ctx, `SELECT state FROM applier_state WHERE id = 0`).Scan(&raw)
	if err == sql.ErrNoRows {
		return follower.State{}, storage.ErrNotFound
	}
	if err != nil {
		return follower.State{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	var state follower.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return follower.State{}, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return state, nil
}

// Save implements follower.CheckpointStore, replacing the single row
// atomically.
func (s *Store) Save(ctx context.Context, state follower.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO applier_state (id, state) VALUES (0, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state`, string(raw))
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}
