package graph

import (
	"context"

	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// Outcome classifies how a Run/Resume call ended.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
	OutcomeCancelled   Outcome = "cancelled"
)

// Checkpoints is the persistence boundary the executor needs,
// satisfied by internal/store.CheckpointStore. A thread id (the
// originating task-id) identifies one run.
type Checkpoints interface {
	Save(ctx context.Context, threadID, node string, state domain.GraphState) error
	Load(ctx context.Context, threadID string) (*store.Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// Executor runs one Graph against successive threads, checkpointing
// at every node boundary. Node execution within a thread is strictly
// sequential; parallelism is across threads.
type Executor struct {
	graph       *Graph
	checkpoints Checkpoints
	log         *zap.Logger
	stepHook    func(threadID, node string, state domain.GraphState)
}

func NewExecutor(g *Graph, checkpoints Checkpoints, log *zap.Logger) *Executor {
	return &Executor{graph: g, checkpoints: checkpoints, log: log}
}

// SetStepHook registers a callback invoked after every successful node
// execution, letting callers publish progress without the graph
// knowing about lifecycle events. Set before the first Run/Resume.
func (e *Executor) SetStepHook(fn func(threadID, node string, state domain.GraphState)) {
	e.stepHook = fn
}

// Run starts a fresh thread at the graph's designated start node.
func (e *Executor) Run(ctx context.Context, threadID string, initial domain.GraphState) (domain.GraphState, Outcome, error) {
	return e.loop(ctx, threadID, e.graph.Start, initial.Clone())
}

// Resume reloads the checkpoint for threadID, merges answer into
// state under domain.KeyAnswer, and re-enters at the node that
// raised the pending interrupt. A thread may only have one pending
// interrupt at a time, so Resume fails if no checkpoint exists for
// the thread.
func (e *Executor) Resume(ctx context.Context, threadID, answer string) (domain.GraphState, Outcome, error) {
	cp, err := e.checkpoints.Load(ctx, threadID)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	state := cp.State.Clone()
	state[domain.KeyAnswer] = answer
	delete(state, domain.KeyInterruptReason)
	return e.loop(ctx, threadID, cp.Node, state)
}

func (e *Executor) loop(ctx context.Context, threadID, node string, state domain.GraphState) (domain.GraphState, Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return state, OutcomeCancelled, ctx.Err()
		default:
		}

		fn, ok := e.graph.Nodes[node]
		if !ok {
			// No such node: the run has reached the terminal sink.
			e.checkpoints.Delete(ctx, threadID)
			return state, OutcomeDone, nil
		}

		newState, signal, err := fn(ctx, state)
		if newState != nil {
			state = newState
		}

		if err != nil {
			if apperr.Is(err, apperr.KindCancelled) {
				return state, OutcomeCancelled, err
			}
			state = state.Clone()
			state[domain.KeyError] = err.Error()
			e.log.Error("graph node failed", zap.String("graph", e.graph.Name), zap.String("node", node), zap.Error(err))
			if e.graph.ErrorNode == "" {
				e.checkpoints.Delete(ctx, threadID)
				return state, OutcomeFailed, err
			}
			if saveErr := e.checkpoints.Save(ctx, threadID, e.graph.ErrorNode, state); saveErr != nil {
				return state, OutcomeFailed, saveErr
			}
			node = e.graph.ErrorNode
			continue
		}

		if e.stepHook != nil {
			e.stepHook(threadID, node, state)
		}

		switch signal.Kind {
		case domain.SignalInterrupt:
			state = state.Clone()
			state[domain.KeyInterruptReason] = signal.InterruptReason
			state[domain.KeyInterruptNode] = node
			if err := e.checkpoints.Save(ctx, threadID, node, state); err != nil {
				return state, OutcomeFailed, err
			}
			return state, OutcomeInterrupted, nil
		case domain.SignalDone:
			e.checkpoints.Delete(ctx, threadID)
			return state, OutcomeDone, nil
		}

		nextNode, hasEdge := e.graph.next(node, state)
		if !hasEdge || nextNode == "" {
			e.checkpoints.Delete(ctx, threadID)
			return state, OutcomeDone, nil
		}

		if err := e.checkpoints.Save(ctx, threadID, nextNode, state); err != nil {
			return state, OutcomeFailed, err
		}
		node = nextNode
	}
}
