package domain

import "time"

// StoryStatus is a Kanban column name.
type StoryStatus string

const (
	StatusBacklog    StoryStatus = "Backlog"
	StatusTodo       StoryStatus = "Todo"
	StatusInProgress StoryStatus = "InProgress"
	StatusReview     StoryStatus = "Review"
	StatusDone       StoryStatus = "Done"
)

// StoryColumns lists the Kanban columns in board order.
var StoryColumns = []StoryStatus{StatusBacklog, StatusTodo, StatusInProgress, StatusReview, StatusDone}

// Priority orders stories for pull selection.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// priorityRank gives High the lowest (best) rank for sorting.
var priorityRank = map[Priority]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}

// Rank returns a sortable ordinal for the priority, High first.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// validStoryTransitions enumerates the allowed forward moves, plus the
// single Review->InProgress rejection path.
var validStoryTransitions = map[StoryStatus][]StoryStatus{
	StatusBacklog:    {StatusTodo},
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusReview},
	StatusReview:     {StatusDone, StatusInProgress},
	StatusDone:       {},
}

// CanTransition reports whether moving a story from `from` to `to` is
// a legal status transition.
func CanTransition(from, to StoryStatus) bool {
	for _, allowed := range validStoryTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Story is a unit of work tracked on the Kanban board.
type Story struct {
	ID                 string      `json:"id"`
	ProjectID          string      `json:"project_id"`
	EpicID             string      `json:"epic_id,omitempty"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Status             StoryStatus `json:"status"`
	Priority           Priority    `json:"priority"`
	StoryPoints        int         `json:"story_points"`
	Blocked            bool        `json:"blocked"`
	BlockedReason       string     `json:"blocked_reason,omitempty"`
	AssigneeAgentID    string      `json:"assignee_agent_id,omitempty"`
	// Rank is a fractional/lexicographic order key for reordering within
	// a column without rewriting every row.
	Rank           string    `json:"rank"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// AgeInStatus is measured from the timestamp of the most recent status
// change.
func (s *Story) AgeInStatus(now time.Time) time.Duration {
	return now.Sub(s.StatusChangedAt)
}

// Transition moves the story to a new status, validating the legal
// transition table and resetting the age clock.
func (s *Story) Transition(to StoryStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return errTransition(s.Status, to)
	}
	s.Status = to
	s.StatusChangedAt = now
	return nil
}
