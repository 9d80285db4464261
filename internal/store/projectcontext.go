package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
)

// ProjectContext is the write-through persistence layer backing
// internal/projectctx's in-memory LRU: one row per project holding a
// flat JSON snapshot.
type ProjectContext struct{ db *DB }

func NewProjectContext(db *DB) *ProjectContext { return &ProjectContext{db: db} }

// Load fetches the raw context JSON for a project, or ("", false, nil)
// if no row exists yet.
func (c *ProjectContext) Load(ctx context.Context, projectID string) (string, bool, error) {
	var data string
	row := c.db.conn.QueryRowContext(ctx, `SELECT context_json FROM project_context WHERE project_id = ?`, projectID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, apperr.Internal("project_context.load", err)
	}
	return data, true, nil
}

// Save upserts the context JSON for a project.
func (c *ProjectContext) Save(ctx context.Context, projectID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Internal("project_context.save", err)
	}
	_, err = c.db.conn.ExecContext(ctx, `
		INSERT INTO project_context (project_id, context_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET context_json = excluded.context_json, updated_at = excluded.updated_at`,
		projectID, string(data), time.Now().UTC())
	if err != nil {
		return apperr.Internal("project_context.save", err)
	}
	return nil
}

// Delete removes a project's persisted context row. LRU eviction in
// internal/projectctx does not call it.
func (c *ProjectContext) Delete(ctx context.Context, projectID string) error {
	_, err := c.db.conn.ExecContext(ctx, `DELETE FROM project_context WHERE project_id = ?`, projectID)
	if err != nil {
		return apperr.Internal("project_context.delete", err)
	}
	return nil
}
