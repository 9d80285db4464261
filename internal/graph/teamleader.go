package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Team Leader actions emitted by the classify router.
const (
	ActionRespond  = "RESPOND"
	ActionDelegate = "DELEGATE"
	ActionToolCall = "TOOL_CALL"
)

// teamLeaderKeywords classifies a user message into a target role by
// keyword-pattern matching against the lower-cased text.
var teamLeaderKeywords = []struct {
	role     domain.Role
	keywords []string
}{
	{domain.RoleDeveloper, []string{"implement", "build", "fix bug", "write code", "refactor", "add feature", "create endpoint"}},
	{domain.RoleTester, []string{"test", "verify", "qa", "validate", "write tests", "check regression"}},
	{domain.RoleBusinessAnalyst, []string{"acceptance criteria", "requirements", "user story", "clarify scope", "write a story"}},
}

// WIPGate is the subset of the Kanban/WIP controller the
// wip_gate node consults.
type WIPGate interface {
	CanPull(ctx context.Context, projectID string, column domain.StoryStatus) (bool, string, error)
}

// BoardInspector is the richer board surface the tool_calls node uses
// when the supplied gate offers it (kanban.Controller does); a gate
// without it degrades to a polite unavailable answer.
type BoardInspector interface {
	DetectBottlenecks(ctx context.Context, projectID string, thresholdHours int) ([]domain.Bottleneck, error)
	SuggestNextPull(ctx context.Context, projectID string, column domain.StoryStatus) (*domain.Story, error)
}

// Tool names the tool_calls node dispatches on.
const (
	toolDetectBottlenecks = "detect_bottlenecks"
	toolSuggestNextPull   = "suggest_next_pull"
)

// roleColumn maps a delegation target role to the board column its
// work lands in, so wip_gate can consult the right column.
var roleColumn = map[domain.Role]domain.StoryStatus{
	domain.RoleBusinessAnalyst: domain.StatusTodo,
	domain.RoleDeveloper:       domain.StatusInProgress,
	domain.RoleTester:          domain.StatusReview,
}

// NewTeamLeaderGraph builds the classify -> {answer_directly |
// tool_calls | delegate} -> [wip_gate] -> respond graph. summarizeWIP
// renders a human-readable WIP summary for direct-answer responses; it
// is supplied by the caller so this package stays free of a kanban
// import in either direction.
func NewTeamLeaderGraph(gate WIPGate, summarizeWIP func(ctx context.Context, projectID string) (string, error)) *Graph {
	g := &Graph{
		Name:      "team_leader",
		Start:     "classify",
		ErrorNode: "respond",
		Nodes:     map[string]NodeFunc{},
		Edges:     map[string]Edge{},
	}

	g.Nodes["classify"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		msg := strings.ToLower(state.GetString(domain.KeyUserMessage))
		state = state.Clone()

		if role, reason, ok := classifyDelegation(msg); ok {
			state[domain.KeyAction] = ActionDelegate
			state[domain.KeyTargetRole] = string(role)
			state[domain.KeyRoutingReason] = reason
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}

		if strings.Contains(msg, "bottleneck") {
			state[domain.KeyAction] = ActionToolCall
			state[domain.KeyToolName] = toolDetectBottlenecks
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		if strings.Contains(msg, "pull next") || strings.Contains(msg, "next story") || strings.Contains(msg, "what should we work on") {
			state[domain.KeyAction] = ActionToolCall
			state[domain.KeyToolName] = toolSuggestNextPull
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}

		if strings.Contains(msg, "wip") || strings.Contains(msg, "work in progress") || strings.Contains(msg, "board") {
			summary := "current WIP status is unavailable"
			if summarizeWIP != nil {
				if s, err := summarizeWIP(ctx, state.GetString(domain.KeyProjectID)); err == nil {
					summary = s
				}
			}
			state[domain.KeyAction] = ActionRespond
			state[domain.KeyResponseMessage] = summary
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}

		state[domain.KeyAction] = ActionRespond
		state[domain.KeyResponseMessage] = "Understood — here is a direct answer."
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["classify"] = Edge{Router: func(state domain.GraphState) string {
		switch state.GetString(domain.KeyAction) {
		case ActionDelegate:
			return "wip_gate"
		case ActionToolCall:
			return "tool_calls"
		default:
			return "respond"
		}
	}}

	g.Nodes["tool_calls"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		state = state.Clone()
		inspector, ok := gate.(BoardInspector)
		if !ok {
			state[domain.KeyResponseMessage] = "board inspection tools are not available right now"
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		projectID := state.GetString(domain.KeyProjectID)
		switch state.GetString(domain.KeyToolName) {
		case toolDetectBottlenecks:
			bottlenecks, err := inspector.DetectBottlenecks(ctx, projectID, 0)
			if err != nil {
				return state, domain.Signal{Kind: domain.SignalContinue}, err
			}
			if len(bottlenecks) == 0 {
				state[domain.KeyResponseMessage] = "no bottlenecks detected: nothing has aged past the threshold"
				break
			}
			msg := "bottlenecks:"
			for _, b := range bottlenecks {
				msg += fmt.Sprintf(" %s has %d aged items (oldest %s);", b.Column, b.Count, b.OldestAge.Round(time.Hour))
			}
			state[domain.KeyResponseMessage] = strings.TrimSuffix(msg, ";")
		case toolSuggestNextPull:
			story, err := inspector.SuggestNextPull(ctx, projectID, domain.StatusTodo)
			if err != nil {
				state[domain.KeyResponseMessage] = "nothing is ready to pull from Todo"
				break
			}
			state[domain.KeyResponseMessage] = fmt.Sprintf("suggested next pull: %q (%s priority)", story.Title, story.Priority)
		default:
			state[domain.KeyResponseMessage] = "I don't have a tool for that"
		}
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["tool_calls"] = Edge{To: "respond"}

	g.Nodes["wip_gate"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		state = state.Clone()
		role := domain.Role(state.GetString(domain.KeyTargetRole))
		column, ok := roleColumn[role]
		if !ok || gate == nil {
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		allowed, reason, err := gate.CanPull(ctx, state.GetString(domain.KeyProjectID), column)
		if err != nil {
			return state, domain.Signal{Kind: domain.SignalContinue}, err
		}
		if !allowed {
			// Hard WIP limit: explain to the user and stop; no routing
			// event is produced.
			state[domain.KeyAction] = ActionRespond
			state[domain.KeyResponseMessage] = fmt.Sprintf("work is queued until a slot frees up (%s)", reason)
			return state, domain.Signal{Kind: domain.SignalContinue}, nil
		}
		state[domain.KeyRoutingReason] = reason
		return state, domain.Signal{Kind: domain.SignalContinue}, nil
	}
	g.Edges["wip_gate"] = Edge{To: "respond"}

	g.Nodes["respond"] = func(ctx context.Context, state domain.GraphState) (domain.GraphState, domain.Signal, error) {
		return state, domain.Signal{Kind: domain.SignalDone}, nil
	}

	return g
}

// classifyDelegation returns the target role and reason for a message
// that matches a delegation keyword, or ok=false when the message
// should be answered directly.
func classifyDelegation(msg string) (domain.Role, string, bool) {
	for _, cat := range teamLeaderKeywords {
		for _, kw := range cat.keywords {
			if strings.Contains(msg, kw) {
				return cat.role, fmt.Sprintf("matched keyword %q for role %s", kw, cat.role), true
			}
		}
	}
	return "", "", false
}
