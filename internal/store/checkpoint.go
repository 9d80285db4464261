package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Checkpoint is a persisted graph_checkpoint row: the state of one
// thread at the last node boundary it passed through.
type Checkpoint struct {
	ThreadID  string
	Node      string
	State     domain.GraphState
	UpdatedAt time.Time
}

// CheckpointStore persists internal/graph run state keyed by thread
// id, backing checkpointing at node boundaries.
type CheckpointStore struct{ db *DB }

func NewCheckpointStore(db *DB) *CheckpointStore { return &CheckpointStore{db: db} }

// Save upserts the checkpoint for a thread.
func (c *CheckpointStore) Save(ctx context.Context, threadID, node string, state domain.GraphState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return apperr.Internal("checkpoint.save", err)
	}
	_, err = c.db.conn.ExecContext(ctx, `
		INSERT INTO graph_checkpoint (thread_id, node, state_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET node=excluded.node, state_json=excluded.state_json, updated_at=excluded.updated_at
	`, threadID, node, string(data), time.Now().UTC())
	if err != nil {
		return apperr.Internal("checkpoint.save", err)
	}
	return nil
}

// Load fetches the checkpoint for a thread, or (nil, apperr.NotFound)
// if none exists.
func (c *CheckpointStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	var node, stateJSON string
	var updatedAt time.Time
	err := c.db.conn.QueryRowContext(ctx,
		`SELECT node, state_json, updated_at FROM graph_checkpoint WHERE thread_id = ?`, threadID).
		Scan(&node, &stateJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("checkpoint.load", "no checkpoint for thread "+threadID)
	}
	if err != nil {
		return nil, apperr.Internal("checkpoint.load", err)
	}
	var state domain.GraphState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, apperr.Internal("checkpoint.load", err)
	}
	return &Checkpoint{ThreadID: threadID, Node: node, State: state, UpdatedAt: updatedAt}, nil
}

// Delete removes a thread's checkpoint, e.g. after a run reaches a
// terminal node.
func (c *CheckpointStore) Delete(ctx context.Context, threadID string) error {
	_, err := c.db.conn.ExecContext(ctx, `DELETE FROM graph_checkpoint WHERE thread_id = ?`, threadID)
	if err != nil {
		return apperr.Internal("checkpoint.delete", err)
	}
	return nil
}
