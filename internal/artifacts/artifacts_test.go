package artifacts

import (
	"context"
	"testing"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "", logging.Noop())
}

func TestCreateVersionArchivesParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "proj-1", "agent-1", "dev-1", "design_doc", "API design",
		map[string]any{"body": "v1"}, []string{"draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := s.CreateVersion(ctx, first.ID, map[string]any{"body": "v2"})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	if second.ParentID != first.ID {
		t.Fatalf("expected parent ref %s, got %s", first.ID, second.ParentID)
	}

	latest, err := s.Latest(ctx, "proj-1", "design_doc", "API design")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected latest to be the second version, got %s", latest.ID)
	}
	if latest.Status == domain.ArtifactArchived {
		t.Fatalf("latest must not be archived")
	}
}

func TestCreateVersionChainIsLinear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, _ := s.Create(ctx, "proj-1", "a", "n", "plan", "T", map[string]any{"n": 1}, nil)
	v2, _ := s.CreateVersion(ctx, v1.ID, map[string]any{"n": 2})
	v3, _ := s.CreateVersion(ctx, v2.ID, map[string]any{"n": 3})

	if v3.Version != 3 {
		t.Fatalf("expected linear version 3, got %d", v3.Version)
	}

	latest, err := s.Latest(ctx, "proj-1", "plan", "T")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != v3.ID {
		t.Fatalf("expected head of chain to be v3")
	}
}
