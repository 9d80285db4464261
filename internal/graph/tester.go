package graph

import (
	"context"

	"github.com/vibesdlc/orchestrator/internal/domain"
)

// TesterTools is the tool-enabled surface the Tester graph delegates
// to: inspecting stories in review and existing coverage, running the
// suite, and triaging failures.
type TesterTools interface {
	// PlanTests inspects stories in review and existing test coverage,
	// returning an ordered test plan.
	PlanTests(ctx context.Context, state domain.GraphState) (plan []string, err error)
	// RunTests executes the project's test suite for the planned
	// scenarios.
	RunTests(ctx context.Context, state domain.GraphState) (status, stdout, stderr string, err error)
	// Triage inspects a failing run and returns an updated test plan
	// targeting the failure, bounded by the caller's debug budget.
	Triage(ctx context.Context, state domain.GraphState) (fixPlan []string, analysis string, err error)
}

// NewTesterGraph builds the plan_tests -> run_tests -> triage ->
// respond graph: plan from the stories in review, run the suite, and
// triage failures until the debug budget runs out.
func NewTesterGraph(tools TesterTools, maxDebugCount int) *Graph {
	g := &Graph{
		Name:      "tester",
		Start:     "plan_tests",
		ErrorNode: "respond",
		Nodes:     map[string]NodeFunc{},
		Edges:     map[string]Edge{},
	}

	g.Nodes["plan_tests"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		plan, err := tools.PlanTests(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		state[domain.KeyImplementationPlan] = plan
		state[domain.KeyTotalSteps] = len(plan)
		state[domain.KeyCurrentStep] = 0
		state[domain.KeyDebugCount] = 0
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["plan_tests"] = Edge{To: "run_tests"}

	g.Nodes["run_tests"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		status, stdout, stderr, err := tools.RunTests(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state = state.Clone()
		state[domain.KeyRunStatus] = status
		state[domain.KeyRunStdout] = stdout
		state[domain.KeyRunStderr] = stderr
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["run_tests"] = Edge{Router: func(state domain.GraphState) string {
		if state.GetString(domain.KeyRunStatus) == RunPass {
			return "respond"
		}
		return "triage"
	}}

	g.Nodes["triage"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		state = state.Clone()
		debugCount := state.GetInt(domain.KeyDebugCount) + 1
		state[domain.KeyDebugCount] = debugCount
		if debugCount > maxDebugCount {
			state[domain.KeyErrorAnalysis] = "debug budget exhausted"
			state[domain.KeyError] = "test suite still failing after debug budget exhausted"
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		fixPlan, analysis, err := tools.Triage(ctx, state)
		if err != nil {
			return nil, domain.Signal{}, err
		}
		state[domain.KeyErrorAnalysis] = analysis
		state[domain.KeyImplementationPlan] = fixPlan
		state[domain.KeyTotalSteps] = len(fixPlan)
		state[domain.KeyCurrentStep] = 0
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["triage"] = Edge{Router: func(state domain.GraphState) string {
		if state.GetInt(domain.KeyDebugCount) > maxDebugCount {
			return "respond"
		}
		return "run_tests"
	}}

	g.Nodes["respond"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return state, domain.Signal{Kind: domain.SignalDone}, nil
	}

	return g
}
