package graph

import (
	"context"

	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Bounds on the Developer graph's retry counters. The debug bound is
// configurable per graph; the others are fixed.
const (
	maxReviewCount = 2
	maxSummarizeCount = 2
)

// Review verdicts.
const (
	ReviewLGTM = "LGTM"
	ReviewLBTM = "LBTM"
)

// Summarize verdicts.
const (
	SummarizeYes = "YES"
	SummarizeNo  = "NO"
)

// Validate outcomes.
const (
	RunPass = "PASS"
	RunFail = "FAIL"
)

// DevTools is the tool-enabled exploration/authoring surface a
// Developer graph run delegates to. Each method is the I/O-heavy,
// cancellation-aware half of a node; the node functions themselves
// stay pure routing/bookkeeping over domain.GraphState.
type DevTools interface {
	// Plan performs tool-enabled exploration and returns an ordered
	// list of implementation steps.
	Plan(ctx context.Context, state domain.GraphState) (steps []string, err error)
	// Implement executes one step, returning the files it touched.
	Implement(ctx context.Context, state domain.GraphState, step string) (filesModified []string, err error)
	// Review judges the most recent step, returning an LGTM/LBTM
	// verdict and feedback to feed back into the next Implement call
	// on LBTM.
	Review(ctx context.Context, state domain.GraphState) (verdict, feedback string, err error)
	// Summarize scans modified files for TODOs/placeholders once all
	// steps are complete, returning YES/NO and, on NO, a set of
	// targeted fix-steps.
	Summarize(ctx context.Context, state domain.GraphState) (verdict string, fixSteps []string, err error)
	// Validate runs the project's test suite.
	Validate(ctx context.Context, state domain.GraphState) (status, stdout, stderr string, err error)
	// AnalyzeError triages a failed validation run, returning new
	// implementation-plan entries to re-enter implement with.
	AnalyzeError(ctx context.Context, state domain.GraphState) (fixSteps []string, analysis string, err error)
}

// NewDeveloperGraph builds the analyze_and_plan -> implement -> review
// -> summarize -> validate -> analyze_error -> respond graph.
// maxDebugCount bounds debug_count.
func NewDeveloperGraph(tools DevTools, maxDebugCount int) *Graph {
	g := &Graph{
		Name:      "developer",
		Start:     "analyze_and_plan",
		ErrorNode: "respond",
		Nodes:     map[string]NodeFunc{},
		Edges:     map[string]Edge{},
	}

	g.Nodes["analyze_and_plan"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		steps, err := tools.Plan(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		state[domain.KeyImplementationPlan] = steps
		state[domain.KeyTotalSteps] = len(steps)
		state[domain.KeyCurrentStep] = 0
		state[domain.KeyReviewCount] = 0
		state[domain.KeySummarizeCount] = 0
		state[domain.KeyDebugCount] = 0
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["analyze_and_plan"] = Edge{To: "implement"}

	g.Nodes["implement"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		steps, _ := state[domain.KeyImplementationPlan].([]string)
		idx := state.GetInt(domain.KeyCurrentStep)
		if idx < 0 || idx >= len(steps) {
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		modified, err := tools.Implement(ctx, state, steps[idx])
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		existing, _ := state[domain.KeyFilesModified].([]string)
		state[domain.KeyFilesModified] = append(append([]string{}, existing...), modified...)
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["implement"] = Edge{To: "review"}

	g.Nodes["review"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		verdict, feedback, err := tools.Review(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		state[domain.KeyReviewResult] = feedback
		state[domain.KeyIsPass] = verdict == ReviewLGTM
		if verdict == ReviewLGTM {
			state[domain.KeyReviewCount] = 0
			state[domain.KeyCurrentStep] = state.GetInt(domain.KeyCurrentStep) + 1
		} else {
			state[domain.KeyReviewCount] = state.GetInt(domain.KeyReviewCount) + 1
		}
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	// After review: LBTM with retries remaining -> implement (same
	// step); LGTM with current_step < total_steps -> implement (next
	// step); LGTM with all steps done -> summarize.
	g.Edges["review"] = Edge{Router: func(state domain.GraphState) string {
		if !state.GetBool(domain.KeyIsPass) {
			if state.GetInt(domain.KeyReviewCount) < maxReviewCount {
				return "implement"
			}
			// Retries exhausted: accept current step and move on rather
			// than loop forever.
			return "summarize"
		}
		if state.GetInt(domain.KeyCurrentStep) < state.GetInt(domain.KeyTotalSteps) {
			return "implement"
		}
		return "summarize"
	}}

	g.Nodes["summarize"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		verdict, fixSteps, err := tools.Summarize(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		if verdict == SummarizeYes {
			state[domain.KeySummarizeCount] = 0
		} else {
			state[domain.KeySummarizeCount] = state.GetInt(domain.KeySummarizeCount) + 1
			state[domain.KeyImplementationPlan] = fixSteps
			state[domain.KeyTotalSteps] = len(fixSteps)
			state[domain.KeyCurrentStep] = 0
		}
		state[domain.KeyIsPass] = verdict == SummarizeYes
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	// After summarize: is_pass==YES -> validate; is_pass==NO with
	// budget -> implement with new fix-steps; else -> respond.
	g.Edges["summarize"] = Edge{Router: func(state domain.GraphState) string {
		if state.GetBool(domain.KeyIsPass) {
			return "validate"
		}
		if state.GetInt(domain.KeySummarizeCount) < maxSummarizeCount {
			return "implement"
		}
		return "respond"
	}}

	g.Nodes["validate"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		status, stdout, stderr, err := tools.Validate(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		state[domain.KeyRunStatus] = status
		state[domain.KeyRunStdout] = stdout
		state[domain.KeyRunStderr] = stderr
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	// After validate: PASS -> respond; FAIL -> analyze_error.
	g.Edges["validate"] = Edge{Router: func(state domain.GraphState) string {
		if state.GetString(domain.KeyRunStatus) == RunPass {
			return "respond"
		}
		return "analyze_error"
	}}

	g.Nodes["analyze_error"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		state = state.Clone()
		debugCount := state.GetInt(domain.KeyDebugCount) + 1
		state[domain.KeyDebugCount] = debugCount
		if debugCount > maxDebugCount {
			state[domain.KeyErrorAnalysis] = "debug budget exhausted"
			state[domain.KeyError] = "debug budget exhausted after " + state.GetString(domain.KeyRunStatus) + " validation"
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		fixSteps, analysis, err := tools.AnalyzeError(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state[domain.KeyErrorAnalysis] = analysis
		state[domain.KeyImplementationPlan] = fixSteps
		state[domain.KeyTotalSteps] = len(fixSteps)
		state[domain.KeyCurrentStep] = 0
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["analyze_error"] = Edge{Router: func(state domain.GraphState) string {
		if state.GetInt(domain.KeyDebugCount) > maxDebugCount {
			return "respond"
		}
		return "implement"
	}}

	g.Nodes["respond"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return state, domain.Signal{Kind: domain.SignalDone}, nil
	}

	return g
}
