package kanban

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

func newTestController(t *testing.T) (*Controller, *store.Stories, *store.Projects, string) {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	projects := store.NewProjects(db)
	stories := store.NewStories(db)

	projectID := uuid.New().String()
	ctx := context.Background()
	err = projects.Create(ctx, &domain.Project{
		ID:   projectID,
		Name: "Test Project",
		WIPConfig: map[string]domain.WIPLimit{
			"InProgress": {Limit: 3, Type: domain.WIPHard},
			"Review":     {Limit: 5, Type: domain.WIPSoft},
		},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return New(stories, projects), stories, projects, projectID
}

func seedStory(t *testing.T, ctx context.Context, stories *store.Stories, projectID string, status domain.StoryStatus, priority domain.Priority, blocked bool) *domain.Story {
	t.Helper()
	s := &domain.Story{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     "story",
		Status:    status,
		Priority:  priority,
		Blocked:   blocked,
		Rank:      "m",
	}
	if err := stories.Create(ctx, s); err != nil {
		t.Fatalf("seed story: %v", err)
	}
	return s
}

func TestCanPullHardLimit(t *testing.T) {
	ctrl, stories, _, projectID := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedStory(t, ctx, stories, projectID, domain.StatusInProgress, domain.PriorityMedium, false)
	}

	ok, reason, err := ctrl.CanPull(ctx, projectID, domain.StatusInProgress)
	if err != nil {
		t.Fatalf("can pull: %v", err)
	}
	if ok {
		t.Fatalf("expected hard WIP limit to block, got ok with reason %q", reason)
	}
}

func TestCanPullSoftLimitAdmitsWithCaution(t *testing.T) {
	ctrl, stories, _, projectID := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedStory(t, ctx, stories, projectID, domain.StatusReview, domain.PriorityMedium, false)
	}

	ok, reason, err := ctrl.CanPull(ctx, projectID, domain.StatusReview)
	if err != nil {
		t.Fatalf("can pull: %v", err)
	}
	if !ok {
		t.Fatalf("soft limit should still admit")
	}
	if reason == "" {
		t.Fatalf("expected a caution reason")
	}
}

func TestSuggestNextPullExcludesBlockedAndOrdersByPriority(t *testing.T) {
	ctrl, stories, _, projectID := newTestController(t)
	ctx := context.Background()

	seedStory(t, ctx, stories, projectID, domain.StatusTodo, domain.PriorityLow, false)
	blocked := seedStory(t, ctx, stories, projectID, domain.StatusTodo, domain.PriorityHigh, true)
	high := seedStory(t, ctx, stories, projectID, domain.StatusTodo, domain.PriorityHigh, false)

	next, err := ctrl.SuggestNextPull(ctx, projectID, domain.StatusTodo)
	if err != nil {
		t.Fatalf("suggest next pull: %v", err)
	}
	if next.ID == blocked.ID {
		t.Fatalf("blocked story must never be suggested")
	}
	if next.ID != high.ID {
		t.Fatalf("expected the unblocked High priority story, got %s", next.ID)
	}
}

func TestDetectBottlenecksFlagsAgedInProgressColumn(t *testing.T) {
	ctrl, stories, _, projectID := newTestController(t)
	ctx := context.Background()

	s := seedStory(t, ctx, stories, projectID, domain.StatusInProgress, domain.PriorityMedium, false)
	old := time.Now().Add(-72 * time.Hour)
	if err := stories.UpdateStatus(ctx, s.ID, domain.StatusInProgress, old); err != nil {
		t.Fatalf("backdate story: %v", err)
	}

	bottlenecks, err := ctrl.DetectBottlenecks(ctx, projectID, 48)
	if err != nil {
		t.Fatalf("detect bottlenecks: %v", err)
	}
	if len(bottlenecks) != 1 {
		t.Fatalf("expected exactly one bottleneck column, got %d", len(bottlenecks))
	}
	if bottlenecks[0].Column != domain.StatusInProgress {
		t.Fatalf("expected InProgress bottleneck, got %s", bottlenecks[0].Column)
	}
}

func TestSnapshotPartitionsEveryStoryIntoExactlyOneColumn(t *testing.T) {
	ctrl, stories, _, projectID := newTestController(t)
	ctx := context.Background()

	total := 0
	for _, col := range []domain.StoryStatus{domain.StatusBacklog, domain.StatusTodo, domain.StatusInProgress, domain.StatusReview, domain.StatusDone} {
		seedStory(t, ctx, stories, projectID, col, domain.PriorityMedium, false)
		total++
	}

	board, err := ctrl.Snapshot(ctx, projectID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sum := 0
	for _, entries := range board.Columns {
		sum += len(entries)
	}
	if sum != total {
		t.Fatalf("expected sum across columns to equal total non-archived stories (%d), got %d", total, sum)
	}
}
