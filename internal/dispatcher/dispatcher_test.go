package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/eventbus"
	"github.com/vibesdlc/orchestrator/internal/graph"
	"github.com/vibesdlc/orchestrator/internal/kanban"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/projectctx"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// fakeBus records publishes instead of touching a broker.
type fakeBus struct {
	mu        sync.Mutex
	published map[domain.Topic][]any
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[domain.Topic][]any)}
}

func (b *fakeBus) Publish(topic domain.Topic, event any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], event)
	return nil
}

func (b *fakeBus) Subscribe(domain.Topic, string, eventbus.Handler) error { return nil }

func (b *fakeBus) count(topic domain.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[topic])
}

func (b *fakeBus) last(topic domain.Topic) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.published[topic]
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

// fakeHub records broadcast payloads per project.
type fakeHub struct {
	mu       sync.Mutex
	messages map[string][]wsMessage
}

func newFakeHub() *fakeHub { return &fakeHub{messages: make(map[string][]wsMessage)} }

func (h *fakeHub) Broadcast(projectID string, message []byte) int {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[projectID] = append(h.messages[projectID], msg)
	return 1
}

func (h *fakeHub) lastText(projectID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[projectID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

func newTestDispatcher(t *testing.T, wip map[string]domain.WIPLimit) (*Dispatcher, *fakeBus, *fakeHub, *store.Stories, string) {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	projects := store.NewProjects(db)
	stories := store.NewStories(db)
	projectID := uuid.New().String()
	if err := projects.Create(context.Background(), &domain.Project{
		ID: projectID, Name: "Test", WIPConfig: wip,
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	board := kanban.New(stories, projects)
	contexts := projectctx.New(store.NewProjectContext(db), 16)
	checkpoints := store.NewCheckpointStore(db)
	bus := newFakeBus()
	hub := newFakeHub()

	summarize := func(ctx context.Context, pid string) (string, error) {
		wipStatus, err := board.WIPStatus(ctx, pid)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("WIP: InProgress %d", wipStatus[domain.StatusInProgress].Current), nil
	}
	tl := graph.NewTeamLeaderGraph(board, summarize)
	d := New(bus, contexts, hub, tl, checkpoints, logging.Noop().Sugar())
	return d, bus, hub, stories, projectID
}

func userMessage(projectID, content string) []byte {
	raw, _ := json.Marshal(domain.UserMessageEvent{
		EventID:   uuid.New().String(),
		ProjectID: projectID,
		UserID:    "U1",
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return raw
}

// A WIP question is answered directly; no routing
// event is emitted and the message lands in project memory.
func TestDirectAnswerByTeamLeader(t *testing.T) {
	d, bus, hub, _, projectID := newTestDispatcher(t, nil)
	ctx := context.Background()

	if err := d.HandleUserMessage(ctx, userMessage(projectID, "what's our WIP?")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if n := bus.count(domain.TopicAgentRouting); n != 0 {
		t.Fatalf("routing events = %d, want 0", n)
	}
	if text := hub.lastText(projectID); !strings.Contains(text, "WIP") {
		t.Fatalf("response %q does not reference WIP counts", text)
	}

	snap, err := d.contexts.Get(ctx, projectID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	// One user turn plus the team leader's answer.
	if len(snap.Conversation) != 2 {
		t.Fatalf("conversation length = %d, want 2", len(snap.Conversation))
	}
}

// Delegation blocked by a hard WIP limit produces a
// user-facing explanation and no routing event.
func TestDelegationBlockedByHardWIP(t *testing.T) {
	d, bus, hub, stories, projectID := newTestDispatcher(t, map[string]domain.WIPLimit{
		"InProgress": {Limit: 3, Type: domain.WIPHard},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := stories.Create(ctx, &domain.Story{
			ID: uuid.New().String(), ProjectID: projectID, Title: "busy",
			Status: domain.StatusInProgress, Priority: domain.PriorityMedium, Rank: "m",
		}); err != nil {
			t.Fatalf("seed story: %v", err)
		}
	}

	if err := d.HandleUserMessage(ctx, userMessage(projectID, "please implement the login form")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if n := bus.count(domain.TopicAgentRouting); n != 0 {
		t.Fatalf("routing events = %d, want 0 (hard WIP block)", n)
	}
	if text := hub.lastText(projectID); !strings.Contains(text, "queued") {
		t.Fatalf("response %q should say work is queued until a slot frees", text)
	}
}

// An admitted delegation publishes one routing event with to_agent set.
func TestDelegationAdmitted(t *testing.T) {
	d, bus, _, _, projectID := newTestDispatcher(t, nil)
	ctx := context.Background()

	if err := d.HandleUserMessage(ctx, userMessage(projectID, "please implement the login form")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if n := bus.count(domain.TopicAgentRouting); n != 1 {
		t.Fatalf("routing events = %d, want 1", n)
	}
	evt := bus.last(domain.TopicAgentRouting).(domain.RoutingEvent)
	if evt.ToAgent != domain.RoleDeveloper {
		t.Fatalf("to_agent = %s, want developer", evt.ToAgent)
	}
	if evt.Context.UserMessage == "" || evt.Context.MessageID == "" {
		t.Fatal("routing context not forwarded")
	}
}

// A user message missing its required fields fails validation and is
// acked (no error, so no redelivery) without publishing a routing
// event.
func TestInvalidUserMessageDroppedWithoutError(t *testing.T) {
	d, bus, _, _, _ := newTestDispatcher(t, nil)

	if err := d.HandleUserMessage(context.Background(), []byte(`{"event_id":"e1"}`)); err != nil {
		t.Fatalf("validation failure should ack, got %v", err)
	}
	if n := bus.count(domain.TopicAgentRouting); n != 0 {
		t.Fatalf("routing events = %d, want 0", n)
	}
}

func TestStoryEventBroadcast(t *testing.T) {
	d, _, hub, _, projectID := newTestDispatcher(t, nil)

	raw, _ := json.Marshal(domain.StoryEvent{
		EventID:    uuid.New().String(),
		StoryID:    "S1",
		ProjectID:  projectID,
		FromStatus: domain.StatusInProgress,
		ToStatus:   domain.StatusReview,
		Timestamp:  time.Now().UTC(),
	})
	if err := d.HandleStoryEvent(context.Background(), raw); err != nil {
		t.Fatalf("handle story event: %v", err)
	}
	if text := hub.lastText(projectID); !strings.Contains(text, "Review") {
		t.Fatalf("broadcast %q should carry the status transition", text)
	}
}
