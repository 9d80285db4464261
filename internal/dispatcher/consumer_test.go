package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/graph"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// fakeAgents hands out a single agent, or fails when saturated.
type fakeAgents struct {
	mu        sync.Mutex
	saturated bool
	released  int
	outcomes  []bool
}

func (f *fakeAgents) Acquire(ctx context.Context, poolName, projectID string, timeout time.Duration) (*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saturated {
		return nil, apperr.Transient("pool.acquire", context.DeadlineExceeded)
	}
	return &domain.Agent{
		ID: uuid.New().String(), ProjectID: projectID, Role: domain.RoleDeveloper,
		Name: "developer-001", Status: domain.AgentBusy, PoolName: poolName,
	}, nil
}

func (f *fakeAgents) Release(ctx context.Context, poolName string, agent *domain.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeAgents) RecordExecution(poolName string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, success)
}

// recordingLifecycle captures the kind sequence per task.
type recordingLifecycle struct {
	mu     sync.Mutex
	kinds  map[string][]domain.LifecycleKind
	pcts   []int
	result *domain.TaskResult
}

func newRecordingLifecycle() *recordingLifecycle {
	return &recordingLifecycle{kinds: make(map[string][]domain.LifecycleKind)}
}

func (r *recordingLifecycle) record(taskID string, kind domain.LifecycleKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[taskID] = append(r.kinds[taskID], kind)
}

func (r *recordingLifecycle) Started(taskID, _, _, _, _ string) error {
	r.record(taskID, domain.LifecycleStarted)
	return nil
}

func (r *recordingLifecycle) Progress(taskID, _, _, _, _ string, percent int) error {
	r.mu.Lock()
	r.pcts = append(r.pcts, percent)
	r.mu.Unlock()
	r.record(taskID, domain.LifecycleProgress)
	return nil
}

func (r *recordingLifecycle) Completed(taskID, _, _, _, _ string, result domain.TaskResult) error {
	r.mu.Lock()
	r.result = &result
	r.mu.Unlock()
	r.record(taskID, domain.LifecycleCompleted)
	return nil
}

func (r *recordingLifecycle) Failed(taskID, _, _, _, _, _ string) error {
	r.record(taskID, domain.LifecycleFailed)
	return nil
}

func (r *recordingLifecycle) Cancelled(taskID, _, _, _, _ string) error {
	r.record(taskID, domain.LifecycleCancelled)
	return nil
}

func (r *recordingLifecycle) sequence(taskID string) []domain.LifecycleKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LifecycleKind, len(r.kinds[taskID]))
	copy(out, r.kinds[taskID])
	return out
}

// happyDevTools drives the developer graph through a clean 2-step run.
type happyDevTools struct{}

func (happyDevTools) Plan(context.Context, domain.GraphState) ([]string, error) {
	return []string{"write handler", "wire route"}, nil
}
func (happyDevTools) Implement(_ context.Context, _ domain.GraphState, step string) ([]string, error) {
	return []string{step + ".go"}, nil
}
func (happyDevTools) Review(context.Context, domain.GraphState) (string, string, error) {
	return graph.ReviewLGTM, "clean", nil
}
func (happyDevTools) Summarize(context.Context, domain.GraphState) (string, []string, error) {
	return graph.SummarizeYes, nil, nil
}
func (happyDevTools) Validate(context.Context, domain.GraphState) (string, string, string, error) {
	return graph.RunPass, "ok", "", nil
}
func (happyDevTools) AnalyzeError(context.Context, domain.GraphState) ([]string, string, error) {
	return nil, "", nil
}

func newCheckpoints(t *testing.T) *store.CheckpointStore {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewCheckpointStore(db)
}

func routingEvent(taskID string, role domain.Role, selected ...string) []byte {
	raw, _ := json.Marshal(domain.RoutingEvent{
		EventID:   uuid.New().String(),
		FromAgent: string(domain.RoleTeamLeader),
		ToAgent:   role,
		ProjectID: "P1",
		UserID:    "U1",
		Context: domain.RoutingContext{
			MessageID:       taskID,
			UserMessage:     "implement the login form",
			SelectedOptions: selected,
		},
		Timestamp: time.Now().UTC(),
	})
	return raw
}

// A clean developer run emits started, progress events below 100%
// (50% once one of the two plan steps is done), then completed, and
// files_modified has one entry per step.
func TestDeveloperHappyPath(t *testing.T) {
	agents := &fakeAgents{}
	lc := newRecordingLifecycle()
	c := NewRoleConsumer(domain.RoleDeveloper, "dev-pool", newFakeBus(), agents, lc,
		graph.NewDeveloperGraph(happyDevTools{}, 3), newCheckpoints(t), newFakeHub(), time.Second,
		logging.Noop().Sugar())

	taskID := uuid.New().String()
	if err := c.Handle(context.Background(), routingEvent(taskID, domain.RoleDeveloper)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	kinds := lc.sequence(taskID)
	if !domain.ValidLifecycleSequence(kinds) {
		t.Fatalf("invalid lifecycle sequence: %v", kinds)
	}
	if kinds[0] != domain.LifecycleStarted || kinds[len(kinds)-1] != domain.LifecycleCompleted {
		t.Fatalf("sequence = %v, want started ... completed", kinds)
	}

	lc.mu.Lock()
	result := lc.result
	pcts := append([]int{}, lc.pcts...)
	lc.mu.Unlock()

	if result == nil || !result.Success {
		t.Fatal("expected a successful task result")
	}
	files, _ := result.StructuredData["files_modified"].([]string)
	if len(files) != 2 {
		t.Fatalf("files_modified length = %d, want 2", len(files))
	}
	for _, p := range pcts {
		if p <= 0 || p >= 100 {
			t.Fatalf("progress %d outside (0,100)", p)
		}
	}

	if agents.released != 1 {
		t.Fatalf("agent released %d times, want 1", agents.released)
	}
	if len(agents.outcomes) != 1 || !agents.outcomes[0] {
		t.Fatalf("execution outcomes = %v, want [true]", agents.outcomes)
	}
}

// A routing event addressed to a different role is skipped entirely.
func TestRoleFilterSkipsOtherRoles(t *testing.T) {
	agents := &fakeAgents{}
	lc := newRecordingLifecycle()
	c := NewRoleConsumer(domain.RoleDeveloper, "dev-pool", newFakeBus(), agents, lc,
		graph.NewDeveloperGraph(happyDevTools{}, 3), newCheckpoints(t), nil, time.Second,
		logging.Noop().Sugar())

	taskID := uuid.New().String()
	if err := c.Handle(context.Background(), routingEvent(taskID, domain.RoleTester)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(lc.sequence(taskID)) != 0 {
		t.Fatal("consumer must not process another role's event")
	}
}

// Saturated pool: the consumer records a failed lifecycle event and
// acks rather than redelivering forever.
func TestAcquireFailureRecordsFailedTask(t *testing.T) {
	agents := &fakeAgents{saturated: true}
	lc := newRecordingLifecycle()
	c := NewRoleConsumer(domain.RoleDeveloper, "dev-pool", newFakeBus(), agents, lc,
		graph.NewDeveloperGraph(happyDevTools{}, 3), newCheckpoints(t), nil, time.Second,
		logging.Noop().Sugar())

	taskID := uuid.New().String()
	if err := c.Handle(context.Background(), routingEvent(taskID, domain.RoleDeveloper)); err != nil {
		t.Fatalf("handle should ack after recording failure, got %v", err)
	}
	kinds := lc.sequence(taskID)
	if len(kinds) != 1 || kinds[0] != domain.LifecycleFailed {
		t.Fatalf("sequence = %v, want [failed]", kinds)
	}
}

// interruptingBATools asks one clarification question, then drafts.
type interruptingBATools struct{}

func (interruptingBATools) NeedsClarification(context.Context, domain.GraphState) (string, bool, error) {
	return "which auth provider should the story target?", true, nil
}
func (interruptingBATools) DraftStory(_ context.Context, state domain.GraphState) (string, string, []string, error) {
	return "Login form", "As a user I can log in", []string{"form renders", "auth succeeds"}, nil
}
func (interruptingBATools) NeedsReview(context.Context, domain.GraphState) (bool, error) {
	return false, nil
}

// An interrupt suspends the run without a terminal
// event; a resume_with_answer re-enters at the same node and finishes
// with completed.
func TestInterruptThenResume(t *testing.T) {
	agents := &fakeAgents{}
	lc := newRecordingLifecycle()
	checkpoints := newCheckpoints(t)
	hub := newFakeHub()
	c := NewRoleConsumer(domain.RoleBusinessAnalyst, "ba-pool", newFakeBus(), agents, lc,
		graph.NewBusinessAnalystGraph(interruptingBATools{}), checkpoints, hub, time.Second,
		logging.Noop().Sugar())

	taskID := uuid.New().String()
	ctx := context.Background()

	if err := c.Handle(ctx, routingEvent(taskID, domain.RoleBusinessAnalyst)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	kinds := lc.sequence(taskID)
	if len(kinds) != 1 || kinds[0] != domain.LifecycleStarted {
		t.Fatalf("sequence after interrupt = %v, want [started] only", kinds)
	}
	if hub.lastText("P1") == "" {
		t.Fatal("interrupt question never reached the project room")
	}
	if _, err := checkpoints.Load(ctx, taskID); err != nil {
		t.Fatalf("no checkpoint persisted for suspended thread: %v", err)
	}

	// Resume with the user's choice.
	if err := c.Handle(ctx, routingEvent(taskID, domain.RoleBusinessAnalyst, "OAuth")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	kinds = lc.sequence(taskID)
	if kinds[len(kinds)-1] != domain.LifecycleCompleted {
		t.Fatalf("sequence after resume = %v, want terminal completed", kinds)
	}
	if !domain.ValidLifecycleSequence(kinds) {
		t.Fatalf("invalid lifecycle sequence: %v", kinds)
	}
	if _, err := checkpoints.Load(ctx, taskID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("checkpoint should be deleted after terminal run, got %v", err)
	}
}
