package graph

import (
	"context"

	"github.com/vibesdlc/orchestrator/internal/domain"
)

// BATools is the tool-enabled surface the Business Analyst graph
// delegates to: judging whether a request is clear enough to draft
// from, turning a clarified request into a story, and deciding whether
// the draft needs a human review pass before it is handed back.
type BATools interface {
	// NeedsClarification inspects the request and returns a question
	// to ask the user when scope is ambiguous, or ok=false when the
	// request is clear enough to draft directly.
	NeedsClarification(ctx context.Context, state domain.GraphState) (question string, ok bool, err error)
	// DraftStory produces a title, description, and acceptance
	// criteria from the (possibly clarified) request.
	DraftStory(ctx context.Context, state domain.GraphState) (title, description string, acceptanceCriteria []string, err error)
	// NeedsReview decides whether the draft should be interrupted for
	// a human review pass before responding.
	NeedsReview(ctx context.Context, state domain.GraphState) (ok bool, err error)
}

// Well-known state keys specific to the Business Analyst graph.
const (
	KeyClarifyQuestion = "clarify_question"
	KeyStoryTitle       = "story_title"
	KeyStoryDescription = "story_description"
	KeyAcceptanceCriteria = "acceptance_criteria"
)

// NewBusinessAnalystGraph builds the clarify -> draft_story ->
// request_review -> respond graph: a BA drafts a story from a user
// request, interrupting once to clarify ambiguous scope and once more
// for an optional human review before the story is handed back.
func NewBusinessAnalystGraph(tools BATools) *Graph {
	g := &Graph{
		Name:      "business_analyst",
		Start:     "clarify",
		ErrorNode: "respond",
		Nodes:     map[string]NodeFunc{},
		Edges:     map[string]Edge{},
	}

	g.Nodes["clarify"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		if state.GetString(domain.KeyAnswer) != "" {
			// Re-entering after a resume: the answer is already merged
			// into state by the executor. Consume it so a later
			// interrupt (request_review) doesn't mistake it for its own
			// resume.
			state = state.Clone()
			delete(state, domain.KeyAnswer)
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		question, ok, err := tools.NeedsClarification(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		if !ok {
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		state = state.Clone()
		state[KeyClarifyQuestion] = question
		return state, domain.Signal{Kind: domain.SignalInterrupt, InterruptReason: question}, nil
	}
	g.Edges["clarify"] = Edge{To: "draft_story"}

	g.Nodes["draft_story"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		title, description, criteria, err := tools.DraftStory(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		state[KeyStoryTitle] = title
		state[KeyStoryDescription] = description
		state[KeyAcceptanceCriteria] = criteria
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["draft_story"] = Edge{To: "request_review"}

	g.Nodes["request_review"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		if state.GetString(domain.KeyAnswer) != "" {
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		needsReview, err := tools.NeedsReview(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		if !needsReview {
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		return state, domain.Signal{Kind: domain.SignalInterrupt, InterruptReason: "draft story awaiting human review"}, nil
	}
	g.Edges["request_review"] = Edge{To: "respond"}

	g.Nodes["respond"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return state, domain.Signal{Kind: domain.SignalDone}, nil
	}

	return g
}
