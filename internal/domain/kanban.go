package domain

import "time"

// BoardEntry is one row of a Kanban column: a story summary ordered
// for display.
type BoardEntry struct {
	StoryID  string   `json:"story_id"`
	Priority Priority `json:"priority"`
	Points   int      `json:"points"`
	Age      time.Duration `json:"age"`
	EpicID   string   `json:"epic_id,omitempty"`
}

// Board is the derived mapping from column name to its ordered
// entries. Invariant: each non-archived story appears in exactly one
// column derived from its status.
type Board struct {
	ProjectID string                  `json:"project_id"`
	Columns   map[StoryStatus][]BoardEntry `json:"columns"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// ColumnWIP is the capacity view of one column.
type ColumnWIP struct {
	Column    StoryStatus  `json:"column"`
	Current   int          `json:"current"`
	Limit     int          `json:"limit"`
	Available int          `json:"available"`
	Type      WIPLimitType `json:"type"`
}

// Bottleneck describes a column where items have aged past a
// threshold.
type Bottleneck struct {
	Column      StoryStatus `json:"column"`
	Count       int         `json:"count"`
	OldestAge   time.Duration `json:"oldest_age"`
	TopOffenders []string   `json:"top_offenders"`
}
