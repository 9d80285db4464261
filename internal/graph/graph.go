// Package graph implements the per-role graph executor: a directed
// workflow of named nodes operating on a shared domain.GraphState,
// with checkpointing at node boundaries, suspend/resume via
// interrupts, and cancellation. Nodes are named functions, edges are
// data (not object references), and state is a value type so a run
// can be serialized and checkpointed.
package graph

import (
	"context"

	"github.com/vibesdlc/orchestrator/internal/domain"
)

// NodeFunc is a single node's pure transition function: it observes
// state and returns an updated state plus a tagged Signal (never a
// panic/exception) describing what happened.
// Nodes that need to signal a genuine failure return a non-nil error;
// the executor turns that into a recorded domain.KeyError and routes
// to the graph's designated error node rather than propagating a Go
// error up the call stack.
type NodeFunc func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error)

// Router inspects state after a node completes and returns the name
// of the next node to run. Edges are router-gated when Router is
// non-nil.
type Router func(state domain.GraphState) string

// Edge is the outgoing transition from one node. A nil Router means
// the edge is unconditional (A -> B); a non-nil Router makes the edge
// conditional on state (A -> router(state) -> {B, C, ...}).
type Edge struct {
	To     string
	Router Router
}

// Graph is a compiled, named set of nodes and their edges — a value
// type, so it can be shared across concurrent runs (each run only
// touches its own domain.GraphState).
type Graph struct {
	Name  string
	Start string
	Nodes map[string]NodeFunc
	Edges map[string]Edge
	// ErrorNode names the node a run transitions to when a node
	// returns a non-interrupt error; the executor records the error
	// in state first. Empty means the run fails immediately instead.
	ErrorNode string
}

// next resolves the outgoing edge for a node name against the current
// state. It returns ("", false) when the node has no outgoing edge,
// which the executor treats as reaching the terminal sink.
func (g *Graph) next(node string, state domain.GraphState) (string, bool) {
	edge, ok := g.Edges[node]
	if !ok {
		return "", false
	}
	if edge.Router != nil {
		return edge.Router(state), true
	}
	return edge.To, true
}
