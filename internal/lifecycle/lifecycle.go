// Package lifecycle implements the task queue facade: a thin
// publisher over internal/eventbus that emits the five lifecycle
// event kinds for a task (started/progress/completed/failed/
// cancelled) on agent.tasks, ordered per task. This package holds no
// queue state of its own, only Publish-shaped constructors.
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
)

// Publisher is the subset of eventbus.Bus the facade needs.
type Publisher interface {
	Publish(topic domain.Topic, event any) error
}

// Facade publishes lifecycle events for tasks.
type Facade struct {
	bus Publisher
}

func New(bus Publisher) *Facade {
	return &Facade{bus: bus}
}

func (f *Facade) publish(kind domain.LifecycleKind, taskID, agentID, agentName, projectID, executionID string, progress int, result *domain.TaskResult) error {
	evt := domain.LifecycleEvent{
		EventID:     uuid.New().String(),
		Kind:        kind,
		TaskID:      taskID,
		AgentID:     agentID,
		AgentName:   agentName,
		ExecutionID: executionID,
		ProjectID:   projectID,
		Progress:    progress,
		Result:      result,
		Timestamp:   time.Now().UTC(),
	}
	if err := f.bus.Publish(domain.TopicAgentTasks, evt); err != nil {
		return apperr.Transient("lifecycle.publish", err)
	}
	return nil
}

// Started announces that an agent has begun work on a task.
func (f *Facade) Started(taskID, agentID, agentName, projectID, executionID string) error {
	return f.publish(domain.LifecycleStarted, taskID, agentID, agentName, projectID, executionID, 0, nil)
}

// Progress reports a percentage-complete update for a running task.
func (f *Facade) Progress(taskID, agentID, agentName, projectID, executionID string, percent int) error {
	return f.publish(domain.LifecycleProgress, taskID, agentID, agentName, projectID, executionID, percent, nil)
}

// Completed announces a successful terminal result.
func (f *Facade) Completed(taskID, agentID, agentName, projectID, executionID string, result domain.TaskResult) error {
	result.Success = true
	return f.publish(domain.LifecycleCompleted, taskID, agentID, agentName, projectID, executionID, 100, &result)
}

// Failed announces a terminal failure.
func (f *Facade) Failed(taskID, agentID, agentName, projectID, executionID, errMsg string) error {
	result := domain.TaskResult{Success: false, ErrorMessage: errMsg}
	return f.publish(domain.LifecycleFailed, taskID, agentID, agentName, projectID, executionID, 0, &result)
}

// Cancelled announces a terminal cancellation (deadline or explicit
// cancel).
func (f *Facade) Cancelled(taskID, agentID, agentName, projectID, executionID string) error {
	result := domain.TaskResult{Success: false, Cancelled: true}
	return f.publish(domain.LifecycleCancelled, taskID, agentID, agentName, projectID, executionID, 0, &result)
}
