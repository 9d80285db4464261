package domain

import "time"

// TaskType is a closed enum; there is no dynamic registration.
type TaskType string

const (
	TaskMessage          TaskType = "message"
	TaskStoryProcess     TaskType = "story_process"
	TaskResumeWithAnswer TaskType = "resume_with_answer"
	TaskReviewRequest    TaskType = "review_request"
	TaskTestRun          TaskType = "test_run"
)

// TaskContext is a single, immutable unit of work handed to an agent.
type TaskContext struct {
	TaskID         string                 `json:"task_id" validate:"required"`
	Type           TaskType               `json:"task_type" validate:"required"`
	Priority       Priority               `json:"priority"`
	ProjectID      string                 `json:"project_id" validate:"required"`
	UserID         string                 `json:"user_id"`
	RoutingReason  string                 `json:"routing_reason,omitempty"`
	Content        string                 `json:"content"`
	Attachments    []string               `json:"attachments,omitempty"`
	SelectedOption string                 `json:"selected_option,omitempty"`
	Answer         string                 `json:"answer,omitempty"`
	Deadline       *time.Time             `json:"deadline,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// TaskResult is the outcome of one task invocation, produced exactly
// once (possibly reflecting a cancellation).
type TaskResult struct {
	Success      bool                   `json:"success"`
	Output       string                 `json:"output"`
	StructuredData map[string]any       `json:"structured_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Cancelled    bool                   `json:"cancelled"`
}

// LifecycleKind is one of the five events the lifecycle facade
// publishes for a task.
type LifecycleKind string

const (
	LifecycleStarted   LifecycleKind = "started"
	LifecycleProgress  LifecycleKind = "progress"
	LifecycleCompleted LifecycleKind = "completed"
	LifecycleFailed    LifecycleKind = "failed"
	LifecycleCancelled LifecycleKind = "cancelled"
)

// terminalLifecycleKinds are the kinds after which no further
// lifecycle event may appear for the same task-id.
var terminalLifecycleKinds = map[LifecycleKind]bool{
	LifecycleCompleted: true,
	LifecycleFailed:    true,
	LifecycleCancelled: true,
}

// IsTerminal reports whether a lifecycle kind ends a task's event
// sequence.
func (k LifecycleKind) IsTerminal() bool { return terminalLifecycleKinds[k] }

// LifecycleEvent is the wire shape published on agent.tasks.
type LifecycleEvent struct {
	EventID     string         `json:"event_id"`
	Kind        LifecycleKind  `json:"event_type"`
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	AgentName   string         `json:"agent_name"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Progress    int            `json:"progress,omitempty"`
	Result      *TaskResult    `json:"result,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ValidLifecycleSequence checks that the sequence of kinds is a prefix
// of started, progress*, {completed|failed|cancelled}, and that no
// event follows a terminal one.
func ValidLifecycleSequence(kinds []LifecycleKind) bool {
	if len(kinds) == 0 {
		return true
	}
	if kinds[0] != LifecycleStarted {
		return false
	}
	for i, k := range kinds {
		isLast := i == len(kinds)-1
		if k.IsTerminal() && !isLast {
			return false
		}
		if i > 0 && kinds[i-1].IsTerminal() {
			return false
		}
	}
	return true
}
