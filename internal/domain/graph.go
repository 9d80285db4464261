package domain

// GraphState is the complete state of one graph run: a typed map keyed
// by well-known names, checkpointed at each node boundary and
// identified by a thread id (the originating task-id). It is a value
// type rather than a web of object references so a run can be
// serialized and checkpointed.
type GraphState map[string]any

// Well-known GraphState keys shared across the Team Leader, Developer,
// Business Analyst, and Tester graphs.
const (
	KeyUserMessage        = "user_message"
	KeyUserID             = "user_id"
	KeyProjectID          = "project_id"
	KeyTaskID             = "task_id"
	KeyConversationHistory = "conversation_history"
	KeyPreferences        = "preferences"
	KeyAction             = "action"
	KeyToolName           = "tool_name"
	KeyTargetRole         = "target_role"
	KeyRoutingReason      = "reason"
	KeyImplementationPlan = "implementation_plan"
	KeyTotalSteps         = "total_steps"
	KeyCurrentStep        = "current_step"
	KeyFilesModified      = "files_modified"
	KeyReviewResult       = "review_result"
	KeyReviewCount        = "review_count"
	KeyIsPass             = "is_pass"
	KeySummarizeCount     = "summarize_count"
	KeyRunStatus          = "run_status"
	KeyRunStdout          = "run_stdout"
	KeyRunStderr          = "run_stderr"
	KeyErrorAnalysis      = "error_analysis"
	KeyDebugCount         = "debug_count"
	KeyError              = "error"
	KeyInterruptReason    = "interrupt_reason"
	KeyInterruptNode      = "interrupt_node"
	KeyAnswer             = "answer"
	KeyResponseMessage    = "response_message"
)

// Clone returns a shallow copy of the state suitable for checkpointing
// without aliasing the caller's map.
func (s GraphState) Clone() GraphState {
	out := make(GraphState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s GraphState) GetString(key string) string {
	if v, ok := s[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

func (s GraphState) GetInt(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (s GraphState) GetBool(key string) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return false
}

// SignalKind tags the result of a node execution instead of using
// exceptions/panics for control flow.
type SignalKind string

const (
	SignalContinue  SignalKind = "continue"
	SignalInterrupt SignalKind = "interrupt"
	SignalDone      SignalKind = "done"
)

// Signal is the tagged result returned by a node alongside its updated
// state. GraphInterrupt is represented here, never as a Go error.
type Signal struct {
	Kind           SignalKind
	InterruptReason string
}
