// Package kanban implements the Kanban/WIP controller: the derived
// board snapshot, per-column WIP capacity gating, bottleneck
// detection, and pull suggestions. Status transitions validate
// through domain.CanTransition (forward-only except the
// Review->InProgress rejection).
package kanban

import (
	"context"
	"sort"
	"time"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/store"
)

const defaultBottleneckThreshold = 48 * time.Hour

// Controller implements the board operations over the story store.
type Controller struct {
	stories  *store.Stories
	projects *store.Projects
	now      func() time.Time
}

func New(stories *store.Stories, projects *store.Projects) *Controller {
	return &Controller{stories: stories, projects: projects, now: time.Now}
}

// Snapshot builds the derived board: column -> ordered entries.
func (c *Controller) Snapshot(ctx context.Context, projectID string) (*domain.Board, error) {
	stories, err := c.stories.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	board := &domain.Board{
		ProjectID:   projectID,
		Columns:     make(map[domain.StoryStatus][]domain.BoardEntry),
		GeneratedAt: now,
	}
	for _, col := range domain.StoryColumns {
		board.Columns[col] = nil
	}
	for _, s := range stories {
		board.Columns[s.Status] = append(board.Columns[s.Status], domain.BoardEntry{
			StoryID:  s.ID,
			Priority: s.Priority,
			Points:   s.StoryPoints,
			Age:      s.AgeInStatus(now),
			EpicID:   s.EpicID,
		})
	}
	for col := range board.Columns {
		entries := board.Columns[col]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Priority.Rank() != entries[j].Priority.Rank() {
				return entries[i].Priority.Rank() < entries[j].Priority.Rank()
			}
			return entries[i].Age > entries[j].Age
		})
		board.Columns[col] = entries
	}
	return board, nil
}

// WIPStatus reports capacity for every column.
func (c *Controller) WIPStatus(ctx context.Context, projectID string) (map[domain.StoryStatus]domain.ColumnWIP, error) {
	project, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.StoryStatus]domain.ColumnWIP, len(domain.StoryColumns))
	for _, col := range domain.StoryColumns {
		stories, err := c.stories.ListByColumn(ctx, projectID, col)
		if err != nil {
			return nil, err
		}
		limit := project.WIPLimitFor(string(col))
		current := len(stories)
		available := -1
		if limit.Limit > 0 {
			available = limit.Limit - current
		}
		out[col] = domain.ColumnWIP{Column: col, Current: current, Limit: limit.Limit, Available: available, Type: limit.Type}
	}
	return out, nil
}

// CanPull reports whether a column can accept more work. A hard limit
// at or over capacity blocks admission; a soft limit admits with a
// caution reason.
func (c *Controller) CanPull(ctx context.Context, projectID string, column domain.StoryStatus) (bool, string, error) {
	project, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return false, "", err
	}
	stories, err := c.stories.ListByColumn(ctx, projectID, column)
	if err != nil {
		return false, "", err
	}
	limit := project.WIPLimitFor(string(column))
	if limit.Limit <= 0 {
		return true, "no limit configured", nil
	}
	current := len(stories)
	if current >= limit.Limit {
		if limit.Type == domain.WIPHard {
			return false, "hard WIP limit reached", nil
		}
		return true, "soft WIP limit reached, proceeding with caution", nil
	}
	return true, "within limit", nil
}

// SuggestNextPull orders candidates by priority (High>Medium>Low) then
// age descending. Blocked stories are excluded: they cannot actually
// be pulled.
func (c *Controller) SuggestNextPull(ctx context.Context, projectID string, column domain.StoryStatus) (*domain.Story, error) {
	stories, err := c.stories.ListByColumn(ctx, projectID, column)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var candidates []*domain.Story
	for _, s := range stories {
		if !s.Blocked {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.NotFound("kanban.suggestNextPull", "no pullable story in column "+string(column))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].AgeInStatus(now) > candidates[j].AgeInStatus(now)
	})
	return candidates[0], nil
}

// DetectBottlenecks flags Todo/InProgress/Review columns containing
// items older than thresholdHours (default 48).
func (c *Controller) DetectBottlenecks(ctx context.Context, projectID string, thresholdHours int) ([]domain.Bottleneck, error) {
	threshold := defaultBottleneckThreshold
	if thresholdHours > 0 {
		threshold = time.Duration(thresholdHours) * time.Hour
	}
	now := c.now()
	watched := []domain.StoryStatus{domain.StatusTodo, domain.StatusInProgress, domain.StatusReview}

	var out []domain.Bottleneck
	for _, col := range watched {
		stories, err := c.stories.ListByColumn(ctx, projectID, col)
		if err != nil {
			return nil, err
		}
		var offenders []*domain.Story
		for _, s := range stories {
			if s.AgeInStatus(now) >= threshold {
				offenders = append(offenders, s)
			}
		}
		if len(offenders) == 0 {
			continue
		}
		sort.Slice(offenders, func(i, j int) bool {
			return offenders[i].AgeInStatus(now) > offenders[j].AgeInStatus(now)
		})
		top := offenders
		if len(top) > 3 {
			top = top[:3]
		}
		topIDs := make([]string, len(top))
		for i, s := range top {
			topIDs[i] = s.ID
		}
		out = append(out, domain.Bottleneck{
			Column:       col,
			Count:        len(offenders),
			OldestAge:    offenders[0].AgeInStatus(now),
			TopOffenders: topIDs,
		})
	}
	return out, nil
}

// EpicProgress derives completion percentage for an epic from its
// stories' statuses.
func (c *Controller) EpicProgress(ctx context.Context, projectID, epicID string) (domain.EpicProgress, error) {
	stories, err := c.stories.ListByProject(ctx, projectID)
	if err != nil {
		return domain.EpicProgress{}, err
	}
	var total, done int
	for _, s := range stories {
		if s.EpicID != epicID {
			continue
		}
		total++
		if s.Status == domain.StatusDone {
			done++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	return domain.EpicProgress{EpicID: epicID, Total: total, Done: done, Pct: pct}, nil
}

// Move validates and applies a status transition, recording the age
// reset. Used by the PUT /backlog-items/{id}/move REST endpoint.
func (c *Controller) Move(ctx context.Context, storyID string, to domain.StoryStatus) error {
	story, err := c.stories.Get(ctx, storyID)
	if err != nil {
		return err
	}
	now := c.now()
	if err := story.Transition(to, now); err != nil {
		return err
	}
	return c.stories.UpdateStatus(ctx, storyID, to, now)
}
