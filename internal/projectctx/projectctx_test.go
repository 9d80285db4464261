package projectctx

import (
	"context"
	"testing"

	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

func newTestCache(t *testing.T, ceiling int) *Cache {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.NewProjectContext(db), ceiling)
}

func TestAddMessageAppendsAndTrims(t *testing.T) {
	c := newTestCache(t, 256)
	ctx := context.Background()

	for i := 0; i < maxConversationMessages+10; i++ {
		if err := c.AddMessage(ctx, "proj-1", "user", "hi"); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	snap, err := c.Get(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snap.Conversation) != maxConversationMessages {
		t.Fatalf("expected %d messages, got %d", maxConversationMessages, len(snap.Conversation))
	}
}

func TestUpdatePreferencePersists(t *testing.T) {
	c := newTestCache(t, 256)
	ctx := context.Background()

	if err := c.UpdatePreference(ctx, "proj-1", "tone", "terse"); err != nil {
		t.Fatalf("update preference: %v", err)
	}

	// Force a fresh cache to prove write-through happened, not just
	// in-memory state.
	fresh := New(c.store, 256)
	snap, err := fresh.Get(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Preferences["tone"] != "terse" {
		t.Fatalf("expected preference to survive across cache instances, got %q", snap.Preferences["tone"])
	}
}

func TestLRUEvictsOldestProject(t *testing.T) {
	c := newTestCache(t, 2)
	ctx := context.Background()

	if err := c.EnsureLoaded(ctx, "proj-a"); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	if err := c.EnsureLoaded(ctx, "proj-b"); err != nil {
		t.Fatalf("ensure b: %v", err)
	}
	if err := c.EnsureLoaded(ctx, "proj-c"); err != nil {
		t.Fatalf("ensure c: %v", err)
	}

	c.mu.Lock()
	_, stillCached := c.items["proj-a"]
	_, cCached := c.items["proj-c"]
	c.mu.Unlock()

	if stillCached {
		t.Fatalf("expected proj-a to be evicted once ceiling exceeded")
	}
	if !cCached {
		t.Fatalf("expected most recently touched project to remain cached")
	}
}

// fakeRemote is an in-memory Remote tier.
type fakeRemote struct {
	data map[string]string
	sets int
}

func (f *fakeRemote) Get(_ context.Context, projectID string) (string, bool, error) {
	d, ok := f.data[projectID]
	return d, ok, nil
}

func (f *fakeRemote) Set(_ context.Context, projectID, data string) error {
	f.data[projectID] = data
	f.sets++
	return nil
}

func TestRemoteTierServesMissesAndReceivesWrites(t *testing.T) {
	c := newTestCache(t, 256)
	remote := &fakeRemote{data: map[string]string{
		"proj-hot": `{"project_id":"proj-hot","preferences":{"tone":"formal"}}`,
	}}
	c.SetRemote(remote)
	ctx := context.Background()

	// A miss in the LRU finds the remote snapshot before the store.
	snap, err := c.Get(ctx, "proj-hot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Preferences["tone"] != "formal" {
		t.Fatalf("remote snapshot not served, got %v", snap.Preferences)
	}

	// Writes fan out to the remote tier.
	if err := c.AddMessage(ctx, "proj-hot", "user", "hello"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if remote.sets == 0 {
		t.Fatal("write never reached the remote tier")
	}
}

func TestGetOnMissingProjectReturnsEmptySnapshot(t *testing.T) {
	c := newTestCache(t, 256)
	snap, err := c.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snap.Conversation) != 0 {
		t.Fatalf("expected empty conversation, got %v", snap.Conversation)
	}
}
