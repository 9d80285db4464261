package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

// CreditActivities backs `GET /credits/activities`: an append-only
// per-activity ledger of token/credit usage, one row per LLM-backed
// operation rather than a time-bucketed aggregate.
type CreditActivities struct{ db *DB }

func NewCreditActivities(db *DB) *CreditActivities { return &CreditActivities{db: db} }

// Record inserts a single credit activity row. ID/CreatedAt are
// assigned if unset.
func (c *CreditActivities) Record(ctx context.Context, activity *domain.CreditActivity) error {
	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.conn.ExecContext(ctx, `
		INSERT INTO credit_activities (id, project_id, user_id, tokens_used, model, llm_calls, credits_delta, reason, story_id, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		activity.ID, activity.ProjectID, activity.UserID, activity.TokensUsed, activity.Model,
		activity.LLMCalls, activity.CreditsDelta, activity.Reason, activity.StoryID, activity.AgentID,
		activity.CreatedAt)
	if err != nil {
		return apperr.Internal("credit_activities.record", err)
	}
	return nil
}

// ListByUser returns a user's credit activity history, most recent
// first.
func (c *CreditActivities) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.CreditActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT id, project_id, user_id, tokens_used, model, llm_calls, credits_delta, reason,
		       COALESCE(story_id, ''), COALESCE(agent_id, ''), created_at
		FROM credit_activities WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, apperr.Internal("credit_activities.list_by_user", err)
	}
	defer rows.Close()
	return scanCreditActivities(rows)
}

// ListByProject returns a project's credit activity history, most
// recent first.
func (c *CreditActivities) ListByProject(ctx context.Context, projectID string, limit int) ([]*domain.CreditActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT id, project_id, user_id, tokens_used, model, llm_calls, credits_delta, reason,
		       COALESCE(story_id, ''), COALESCE(agent_id, ''), created_at
		FROM credit_activities WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, apperr.Internal("credit_activities.list_by_project", err)
	}
	defer rows.Close()
	return scanCreditActivities(rows)
}

func scanCreditActivities(rows *sql.Rows) ([]*domain.CreditActivity, error) {
	var out []*domain.CreditActivity
	for rows.Next() {
		var a domain.CreditActivity
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.TokensUsed, &a.Model, &a.LLMCalls,
			&a.CreditsDelta, &a.Reason, &a.StoryID, &a.AgentID, &a.CreatedAt); err != nil {
			return nil, apperr.Internal("credit_activities.scan", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
