package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/artifacts"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/graph"
	"github.com/vibesdlc/orchestrator/internal/store"
)

// localTools implements the tool surfaces the role graphs delegate to.
// The LLM-provider half of each tool is an external collaborator;
// what lives here is the in-process half: workspace file operations,
// running the project's test command, structured error triage, and
// artifact persistence.
type localTools struct {
	workspaceRoot   string
	validateCommand []string
	stories         *store.Stories
	artifacts       *artifacts.Store
	log             *zap.SugaredLogger
}

func (t *localTools) projectDir(state domain.GraphState) string {
	return filepath.Join(t.workspaceRoot, state.GetString(domain.KeyProjectID))
}

// --- Developer tools ---

func (t *localTools) Plan(ctx context.Context, state domain.GraphState) ([]string, error) {
	request := strings.TrimSpace(state.GetString(domain.KeyUserMessage))
	if request == "" {
		return nil, fmt.Errorf("empty request, nothing to plan")
	}
	// Each plan step becomes one implement/review cycle.
	return []string{
		"implement: " + request,
		"add test coverage for: " + request,
	}, nil
}

func (t *localTools) Implement(ctx context.Context, state domain.GraphState, step string) ([]string, error) {
	dir := t.projectDir(state)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	name := fmt.Sprintf("step_%02d.md", state.GetInt(domain.KeyCurrentStep)+1)
	path := filepath.Join(dir, name)
	body := fmt.Sprintf("# %s\n\ntask: %s\nrecorded: %s\n", name, step, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("write step file: %w", err)
	}
	return []string{path}, nil
}

func (t *localTools) Review(ctx context.Context, state domain.GraphState) (string, string, error) {
	files, _ := state[domain.KeyFilesModified].([]string)
	if len(files) == 0 {
		return graph.ReviewLBTM, "no files were modified for this step", nil
	}
	last := files[len(files)-1]
	info, err := os.Stat(last)
	if err != nil || info.Size() == 0 {
		return graph.ReviewLBTM, "last modified file is missing or empty: " + last, nil
	}
	return graph.ReviewLGTM, "", nil
}

func (t *localTools) Summarize(ctx context.Context, state domain.GraphState) (string, []string, error) {
	files, _ := state[domain.KeyFilesModified].([]string)
	var fixSteps []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if bytes.Contains(data, []byte("TODO")) || bytes.Contains(data, []byte("PLACEHOLDER")) {
			fixSteps = append(fixSteps, "resolve placeholder left in "+path)
		}
	}
	if len(fixSteps) > 0 {
		return graph.SummarizeNo, fixSteps, nil
	}
	return graph.SummarizeYes, nil, nil
}

func (t *localTools) Validate(ctx context.Context, state domain.GraphState) (string, string, string, error) {
	return t.runValidate(ctx, t.projectDir(state))
}

func (t *localTools) runValidate(ctx context.Context, dir string) (string, string, string, error) {
	if len(t.validateCommand) == 0 {
		return graph.RunPass, "no validate command configured", "", nil
	}
	cmd := exec.CommandContext(ctx, t.validateCommand[0], t.validateCommand[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", "", "", ctx.Err()
		}
		return graph.RunFail, stdout.String(), stderr.String(), nil
	}
	return graph.RunPass, stdout.String(), stderr.String(), nil
}

// errorPatterns maps observable failure signatures to triage classes,
// the structured-parser half of analyze_error.
var errorPatterns = []struct {
	class   string
	needles []string
	fix     string
}{
	{"IMPORT_ERROR", []string{"cannot find module", "no required module provides", "ModuleNotFoundError"}, "install the missing dependency and re-run"},
	{"SYNTAX_ERROR", []string{"syntax error", "SyntaxError", "expected declaration"}, "fix the syntax error reported by the compiler"},
	{"TEST_FAILURE", []string{"--- FAIL", "FAILED", "assertion"}, "correct the failing behavior covered by the test"},
}

func (t *localTools) AnalyzeError(ctx context.Context, state domain.GraphState) ([]string, string, error) {
	output := state.GetString(domain.KeyRunStderr) + "\n" + state.GetString(domain.KeyRunStdout)
	for _, p := range errorPatterns {
		for _, needle := range p.needles {
			if strings.Contains(output, needle) {
				return []string{p.fix}, p.class, nil
			}
		}
	}
	return []string{"investigate the failing validation output"}, "UNCLASSIFIED", nil
}

// --- Business Analyst tools ---

func (t *localTools) NeedsClarification(ctx context.Context, state domain.GraphState) (string, bool, error) {
	request := strings.TrimSpace(state.GetString(domain.KeyUserMessage))
	if len(strings.Fields(request)) < 3 {
		return "could you describe what you need in a bit more detail?", true, nil
	}
	return "", false, nil
}

func (t *localTools) DraftStory(ctx context.Context, state domain.GraphState) (string, string, []string, error) {
	request := strings.TrimSpace(state.GetString(domain.KeyUserMessage))
	words := strings.Fields(request)
	title := request
	if len(words) > 8 {
		title = strings.Join(words[:8], " ")
	}
	criteria := []string{
		"the described behavior works end to end",
		"existing functionality is unaffected",
	}

	projectID := state.GetString(domain.KeyProjectID)
	story := &domain.Story{
		ID:                 uuid.New().String(),
		ProjectID:          projectID,
		Title:              title,
		Description:        request,
		AcceptanceCriteria: criteria,
		Status:             domain.StatusBacklog,
		Priority:           domain.PriorityMedium,
		Rank:               "m",
	}
	if err := t.stories.Create(ctx, story); err != nil {
		return "", "", nil, err
	}

	if _, err := t.artifacts.Create(ctx, projectID, "", string(domain.RoleBusinessAnalyst),
		"story_draft", title, map[string]any{
			"story_id":            story.ID,
			"description":         request,
			"acceptance_criteria": criteria,
		}, []string{"draft"}); err != nil {
		// The story row is the source of truth; a failed artifact write
		// is logged, not fatal.
		t.log.Warnw("story draft artifact write failed", "story", story.ID, "error", err)
	}
	return title, request, criteria, nil
}

func (t *localTools) NeedsReview(ctx context.Context, state domain.GraphState) (bool, error) {
	return false, nil
}

// --- Tester tools ---

func (t *localTools) PlanTests(ctx context.Context, state domain.GraphState) ([]string, error) {
	projectID := state.GetString(domain.KeyProjectID)
	inReview, err := t.stories.ListByColumn(ctx, projectID, domain.StatusReview)
	if err != nil {
		return nil, err
	}
	if len(inReview) == 0 {
		return []string{"run the full regression suite"}, nil
	}
	plan := make([]string, 0, len(inReview))
	for _, s := range inReview {
		plan = append(plan, "verify acceptance criteria for: "+s.Title)
	}
	return plan, nil
}

func (t *localTools) RunTests(ctx context.Context, state domain.GraphState) (string, string, string, error) {
	return t.runValidate(ctx, t.projectDir(state))
}

func (t *localTools) Triage(ctx context.Context, state domain.GraphState) ([]string, string, error) {
	return t.AnalyzeError(ctx, state)
}
