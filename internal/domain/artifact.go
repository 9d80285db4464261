package domain

import "time"

// ArtifactStatus gates visibility and mutation of a structured
// document produced by an agent.
type ArtifactStatus string

const (
	ArtifactDraft    ArtifactStatus = "draft"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactArchived ArtifactStatus = "archived"
)

// Artifact is a versioned structured document. Version numbering is
// scoped to (ProjectID, Type, Title): the first is 1, subsequent bumps
// are +1. History is immutable; creating a new version archives the
// parent.
type Artifact struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Content        map[string]any `json:"content"`
	Version        int            `json:"version"`
	ParentID       string         `json:"parent_id,omitempty"`
	Status         ArtifactStatus `json:"status"`
	Tags           []string       `json:"tags,omitempty"`
	ReviewerID     string         `json:"reviewer_id,omitempty"`
	ReviewFeedback string         `json:"review_feedback,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
}

// CreditActivity is a per-user, per-project accounting row.
type CreditActivity struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	TokensUsed  int64     `json:"tokens_used"`
	Model       string    `json:"model"`
	LLMCalls    int       `json:"llm_calls"`
	CreditsDelta float64  `json:"credits_delta"`
	Reason      string    `json:"reason"`
	StoryID     string    `json:"story_id,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
