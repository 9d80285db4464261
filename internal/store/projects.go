package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Projects is the Project aggregate-root persistence surface.
type Projects struct{ db *DB }

func NewProjects(db *DB) *Projects { return &Projects{db: db} }

// Create inserts a new project.
func (p *Projects) Create(ctx context.Context, project *domain.Project) error {
	techJSON, err := json.Marshal(project.TechStack)
	if err != nil {
		return apperr.Internal("projects.create", err)
	}
	wipJSON, err := json.Marshal(project.WIPConfig)
	if err != nil {
		return apperr.Internal("projects.create", err)
	}
	project.CreatedAt = time.Now().UTC()
	_, err = p.db.conn.ExecContext(ctx, `
		INSERT INTO projects (id, name, tech_stack, wip_config, active_agent_id, ws_present, workspace_path, created_at, deleted_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, NULL)`,
		project.ID, project.Name, string(techJSON), string(wipJSON), project.ActiveAgentID,
		project.WSPresent, project.WorkspacePath, project.CreatedAt)
	if err != nil {
		return apperr.Internal("projects.create", err)
	}
	return nil
}

// Get fetches a project by id.
func (p *Projects) Get(ctx context.Context, id string) (*domain.Project, error) {
	row := p.db.conn.QueryRowContext(ctx, `
		SELECT id, name, tech_stack, wip_config, COALESCE(active_agent_id,''), ws_present, workspace_path, created_at, deleted_at
		FROM projects WHERE id = ?`, id)

	var proj domain.Project
	var techJSON, wipJSON string
	var deletedAt sql.NullTime
	if err := row.Scan(&proj.ID, &proj.Name, &techJSON, &wipJSON, &proj.ActiveAgentID, &proj.WSPresent,
		&proj.WorkspacePath, &proj.CreatedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("projects.get", "project not found: "+id)
		}
		return nil, apperr.Internal("projects.get", err)
	}
	if err := json.Unmarshal([]byte(techJSON), &proj.TechStack); err != nil {
		return nil, apperr.Internal("projects.get", err)
	}
	if err := json.Unmarshal([]byte(wipJSON), &proj.WIPConfig); err != nil {
		return nil, apperr.Internal("projects.get", err)
	}
	if deletedAt.Valid {
		proj.DeletedAt = &deletedAt.Time
	}
	return &proj, nil
}

// SetActiveAgent records which agent is presently the project's active
// conversational partner (drives the websocket-presence flag).
func (p *Projects) SetActiveAgent(ctx context.Context, projectID, agentID string) error {
	_, err := p.db.conn.ExecContext(ctx,
		`UPDATE projects SET active_agent_id = NULLIF(?, '') WHERE id = ?`, agentID, projectID)
	if err != nil {
		return apperr.Internal("projects.setActiveAgent", err)
	}
	return nil
}

// SoftDelete marks a project retired by the retention policy rather
// than removing its row (other tables still reference it).
func (p *Projects) SoftDelete(ctx context.Context, id string) error {
	_, err := p.db.conn.ExecContext(ctx,
		`UPDATE projects SET deleted_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return apperr.Internal("projects.softDelete", err)
	}
	return nil
}
