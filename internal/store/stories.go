package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

const storyColumns = `id, project_id, COALESCE(epic_id,''), title, description, acceptance_criteria, status,
	priority, story_points, blocked, blocked_reason, COALESCE(assignee_agent_id,''), rank, status_changed_at, created_at`

// Stories is the story/epic persistence surface consumed by
// internal/kanban and internal/httpapi.
type Stories struct{ db *DB }

func NewStories(db *DB) *Stories { return &Stories{db: db} }

// Create inserts a new story with the status it carries.
func (s *Stories) Create(ctx context.Context, story *domain.Story) error {
	acJSON, err := json.Marshal(story.AcceptanceCriteria)
	if err != nil {
		return apperr.Internal("stories.create", err)
	}
	now := time.Now().UTC()
	story.CreatedAt = now
	story.StatusChangedAt = now
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO stories (id, project_id, epic_id, title, description, acceptance_criteria, status,
			priority, story_points, blocked, blocked_reason, assignee_agent_id, rank, status_changed_at, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		story.ID, story.ProjectID, story.EpicID, story.Title, story.Description, string(acJSON),
		story.Status, story.Priority, story.StoryPoints, story.Blocked, story.BlockedReason,
		story.AssigneeAgentID, story.Rank, story.StatusChangedAt, story.CreatedAt)
	if err != nil {
		return apperr.Internal("stories.create", err)
	}
	return nil
}

// ListByProject returns every story for a project.
func (s *Stories) ListByProject(ctx context.Context, projectID string) ([]*domain.Story, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, apperr.Internal("stories.listByProject", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// ListByColumn returns stories in a given status for a project.
func (s *Stories) ListByColumn(ctx context.Context, projectID string, status domain.StoryStatus) ([]*domain.Story, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE project_id = ? AND status = ?`, projectID, status)
	if err != nil {
		return nil, apperr.Internal("stories.listByColumn", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// Get fetches a single story by id.
func (s *Stories) Get(ctx context.Context, id string) (*domain.Story, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	story, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("stories.get", "story not found: "+id)
	}
	if err != nil {
		return nil, apperr.Internal("stories.get", err)
	}
	return story, nil
}

// UpdateStatus persists a status transition and resets the age clock.
func (s *Stories) UpdateStatus(ctx context.Context, id string, status domain.StoryStatus, now time.Time) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE stories SET status = ?, status_changed_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return apperr.Internal("stories.updateStatus", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("stories.updateStatus", "story not found: "+id)
	}
	return nil
}

// UpdateRank moves a story to a new rank; its status is left unchanged.
func (s *Stories) UpdateRank(ctx context.Context, id, rank string) error {
	res, err := s.db.conn.ExecContext(ctx, `UPDATE stories SET rank = ? WHERE id = ?`, rank, id)
	if err != nil {
		return apperr.Internal("stories.updateRank", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("stories.updateRank", "story not found: "+id)
	}
	return nil
}

// ListBacklog returns stories filtered for the GET /backlog-items
// surface, ordered by rank then creation time, with limit/offset
// pagination.
func (s *Stories) ListBacklog(ctx context.Context, projectID string, status domain.StoryStatus, assigneeID string, limit, offset int) ([]*domain.Story, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + storyColumns + ` FROM stories WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if assigneeID != "" {
		query += ` AND assignee_agent_id = ?`
		args = append(args, assigneeID)
	}
	query += ` ORDER BY rank, created_at LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("stories.listBacklog", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// CompletedSince returns stories that reached Done on or after the
// given instant, for flow-metric accounting.
func (s *Stories) CompletedSince(ctx context.Context, projectID string, since time.Time) ([]*domain.Story, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE project_id = ? AND status = ? AND status_changed_at >= ?`,
		projectID, domain.StatusDone, since)
	if err != nil {
		return nil, apperr.Internal("stories.completedSince", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

func scanStories(rows *sql.Rows) ([]*domain.Story, error) {
	var out []*domain.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, apperr.Internal("stories.scan", err)
		}
		out = append(out, story)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("stories.scan", err)
	}
	return out, nil
}

func scanStory(row rowScanner) (*domain.Story, error) {
	var st domain.Story
	var acJSON string
	if err := row.Scan(&st.ID, &st.ProjectID, &st.EpicID, &st.Title, &st.Description, &acJSON, &st.Status,
		&st.Priority, &st.StoryPoints, &st.Blocked, &st.BlockedReason, &st.AssigneeAgentID, &st.Rank,
		&st.StatusChangedAt, &st.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(acJSON), &st.AcceptanceCriteria); err != nil {
		return nil, err
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
