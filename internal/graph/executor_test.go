package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/store"
)

func newTestCheckpoints(t *testing.T) *store.CheckpointStore {
	t.Helper()
	db, err := store.Open(":memory:", logging.Noop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewCheckpointStore(db)
}

// linearGraph is a -> b -> c, unconditional edges, no interrupts.
func linearGraph() *Graph {
	g := &Graph{Name: "linear", Start: "a", Nodes: map[string]NodeFunc{}, Edges: map[string]Edge{}}
	g.Nodes["a"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		s = s.Clone()
		s["visited_a"] = true
		return s, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["a"] = Edge{To: "b"}
	g.Nodes["b"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		s = s.Clone()
		s["visited_b"] = true
		return s, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["b"] = Edge{To: "c"}
	g.Nodes["c"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return s, domain.Signal{Kind: domain.SignalDone}, nil
	}
	return g
}

func TestExecutorRunsLinearGraphToCompletion(t *testing.T) {
	cps := newTestCheckpoints(t)
	ex := NewExecutor(linearGraph(), cps, logging.Noop())
	threadID := uuid.New().String()

	final, outcome, err := ex.Run(context.Background(), threadID, domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %s", outcome)
	}
	if !final.GetBool("visited_a") || !final.GetBool("visited_b") {
		t.Fatalf("expected both nodes visited, got %+v", final)
	}

	if _, err := cps.Load(context.Background(), threadID); err == nil {
		t.Fatalf("expected checkpoint to be deleted after terminal completion")
	}
}

func interruptingGraph() *Graph {
	g := &Graph{Name: "interrupting", Start: "ask", Nodes: map[string]NodeFunc{}, Edges: map[string]Edge{}}
	g.Nodes["ask"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		if s.GetString(domain.KeyAnswer) != "" {
			return s, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		return s, domain.Signal{Kind: domain.SignalInterrupt, InterruptReason: "need more info"}, nil
	}
	g.Edges["ask"] = Edge{To: "done"}
	g.Nodes["done"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return s, domain.Signal{Kind: domain.SignalDone}, nil
	}
	return g
}

func TestExecutorSuspendsAndResumes(t *testing.T) {
	cps := newTestCheckpoints(t)
	ex := NewExecutor(interruptingGraph(), cps, logging.Noop())
	threadID := uuid.New().String()
	ctx := context.Background()

	_, outcome, err := ex.Run(ctx, threadID, domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeInterrupted {
		t.Fatalf("expected OutcomeInterrupted, got %s", outcome)
	}

	cp, err := cps.Load(ctx, threadID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.State.GetString(domain.KeyInterruptReason) != "need more info" {
		t.Fatalf("expected interrupt reason persisted, got %+v", cp.State)
	}

	final, outcome, err := ex.Resume(ctx, threadID, "here's the answer")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone after resume, got %s", outcome)
	}
	if final.GetString(domain.KeyInterruptReason) != "" {
		t.Fatalf("expected interrupt reason cleared after resume, got %+v", final)
	}

	if _, err := cps.Load(ctx, threadID); err == nil {
		t.Fatalf("expected checkpoint to be deleted after resumed run completes")
	}
}

func failingGraph(errorNode string) *Graph {
	g := &Graph{Name: "failing", Start: "boom", ErrorNode: errorNode, Nodes: map[string]NodeFunc{}, Edges: map[string]Edge{}}
	g.Nodes["boom"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return nil, domain.Signal{}, errTest
	}
	g.Nodes["respond"] = func(ctx context.Context, s domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return s, domain.Signal{Kind: domain.SignalDone}, nil
	}
	return g
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestExecutorRoutesNodeErrorToErrorNode(t *testing.T) {
	cps := newTestCheckpoints(t)
	ex := NewExecutor(failingGraph("respond"), cps, logging.Noop())
	threadID := uuid.New().String()

	final, outcome, err := ex.Run(context.Background(), threadID, domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone (routed to respond), got %s", outcome)
	}
	if final.GetString(domain.KeyError) != "boom" {
		t.Fatalf("expected error recorded in state, got %+v", final)
	}
}

func TestExecutorFailsImmediatelyWithoutErrorNode(t *testing.T) {
	cps := newTestCheckpoints(t)
	ex := NewExecutor(failingGraph(""), cps, logging.Noop())
	threadID := uuid.New().String()

	_, outcome, err := ex.Run(context.Background(), threadID, domain.GraphState{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %s", outcome)
	}
}

func TestExecutorCancellation(t *testing.T) {
	cps := newTestCheckpoints(t)
	ex := NewExecutor(linearGraph(), cps, logging.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, outcome, err := ex.Run(ctx, uuid.New().String(), domain.GraphState{})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if outcome != OutcomeCancelled {
		t.Fatalf("expected OutcomeCancelled, got %s", outcome)
	}
}
