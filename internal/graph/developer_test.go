package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/logging"
)

// scriptedDevTools drives the Developer graph through a fixed
// sequence of verdicts so routing tie-breaks can be asserted
// deterministically.
type scriptedDevTools struct {
	plan []string

	reviewVerdicts []string // consumed in order, one per review() call
	reviewIdx      int

	summarizeVerdict string
	summarizeFix     []string

	runStatus string

	analyzeFix      []string
	analyzeErr      string
}

func (s *scriptedDevTools) Plan(ctx context.Context, state domain.GraphState) ([]string, error) {
	return s.plan, nil
}

func (s *scriptedDevTools) Implement(ctx context.Context, state domain.GraphState, step string) ([]string, error) {
	return []string{step + ".go"}, nil
}

func (s *scriptedDevTools) Review(ctx context.Context, state domain.GraphState) (string, string, error) {
	v := ReviewLGTM
	if s.reviewIdx < len(s.reviewVerdicts) {
		v = s.reviewVerdicts[s.reviewIdx]
	}
	s.reviewIdx++
	return v, "feedback", nil
}

func (s *scriptedDevTools) Summarize(ctx context.Context, state domain.GraphState) (string, []string, error) {
	return s.summarizeVerdict, s.summarizeFix, nil
}

func (s *scriptedDevTools) Validate(ctx context.Context, state domain.GraphState) (string, string, string, error) {
	return s.runStatus, "stdout", "stderr", nil
}

func (s *scriptedDevTools) AnalyzeError(ctx context.Context, state domain.GraphState) ([]string, string, error) {
	return s.analyzeFix, s.analyzeErr, nil
}

func TestDeveloperHappyPath(t *testing.T) {
	cps := newTestCheckpoints(t)
	tools := &scriptedDevTools{
		plan:             []string{"step1", "step2"},
		reviewVerdicts:   []string{ReviewLGTM, ReviewLGTM},
		summarizeVerdict: SummarizeYes,
		runStatus:        RunPass,
	}
	ex := NewExecutor(NewDeveloperGraph(tools, 3), cps, logging.Noop())

	final, outcome, err := ex.Run(context.Background(), uuid.New().String(), domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %s", outcome)
	}
	if final.GetInt(domain.KeyCurrentStep) != 2 {
		t.Fatalf("expected both steps completed, got current_step=%d", final.GetInt(domain.KeyCurrentStep))
	}
	if final.GetString(domain.KeyRunStatus) != RunPass {
		t.Fatalf("expected PASS run status, got %+v", final)
	}
	if files, _ := final[domain.KeyFilesModified].([]string); len(files) != 2 {
		t.Fatalf("expected 2 files modified, got %v", files)
	}
}

func TestDeveloperLBTMRetriesThenExhaustsToSummarize(t *testing.T) {
	cps := newTestCheckpoints(t)
	tools := &scriptedDevTools{
		plan: []string{"step1"},
		// LBTM twice (hits maxReviewCount) then summarize runs once.
		reviewVerdicts:   []string{ReviewLBTM, ReviewLBTM},
		summarizeVerdict: SummarizeYes,
		runStatus:        RunPass,
	}
	ex := NewExecutor(NewDeveloperGraph(tools, 3), cps, logging.Noop())

	final, outcome, err := ex.Run(context.Background(), uuid.New().String(), domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %s", outcome)
	}
	if tools.reviewIdx != maxReviewCount {
		t.Fatalf("expected exactly %d review attempts, got %d", maxReviewCount, tools.reviewIdx)
	}
	if final.GetInt(domain.KeyReviewCount) != maxReviewCount {
		t.Fatalf("expected review_count to hold at bound, got %d", final.GetInt(domain.KeyReviewCount))
	}
}

func TestDeveloperValidateFailureRoutesToAnalyzeErrorThenRespond(t *testing.T) {
	cps := newTestCheckpoints(t)
	tools := &scriptedDevTools{
		plan:             []string{"step1"},
		reviewVerdicts:   []string{ReviewLGTM},
		summarizeVerdict: SummarizeYes,
		runStatus:        RunFail,
		analyzeFix:       []string{"fix1"},
		analyzeErr:       "nil pointer in handler",
	}
	ex := NewExecutor(NewDeveloperGraph(tools, 0), cps, logging.Noop())

	final, outcome, err := ex.Run(context.Background(), uuid.New().String(), domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone (routed to respond), got %s", outcome)
	}
	if final.GetString(domain.KeyError) == "" {
		t.Fatalf("expected terminal error recorded once debug budget of 0 is exceeded, got %+v", final)
	}
}

func TestDeveloperSummarizeNoReentersImplement(t *testing.T) {
	cps := newTestCheckpoints(t)
	tools := &scriptedDevTools{
		plan:             []string{"step1"},
		reviewVerdicts:   []string{ReviewLGTM},
		summarizeVerdict: SummarizeNo,
		summarizeFix:     []string{"fix-todo"},
		runStatus:        RunPass,
	}
	// After the first NO, the test's scripted Summarize always returns
	// the same verdict, so this exercises summarize_count climbing to
	// its bound and finally giving up to respond.
	ex := NewExecutor(NewDeveloperGraph(tools, 3), cps, logging.Noop())

	final, outcome, err := ex.Run(context.Background(), uuid.New().String(), domain.GraphState{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %s", outcome)
	}
	if final.GetInt(domain.KeySummarizeCount) != maxSummarizeCount {
		t.Fatalf("expected summarize_count to hold at bound, got %d", final.GetInt(domain.KeySummarizeCount))
	}
}
