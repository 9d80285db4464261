package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/graph"
)

// Lifecycle is the surface a role consumer publishes task lifecycle
// events through.
type Lifecycle interface {
	Started(taskID, agentID, agentName, projectID, executionID string) error
	Progress(taskID, agentID, agentName, projectID, executionID string, percent int) error
	Completed(taskID, agentID, agentName, projectID, executionID string, result domain.TaskResult) error
	Failed(taskID, agentID, agentName, projectID, executionID, errMsg string) error
	Cancelled(taskID, agentID, agentName, projectID, executionID string) error
}

// AgentSource is the pool manager surface a role consumer draws
// workers from.
type AgentSource interface {
	Acquire(ctx context.Context, poolName, projectID string, timeout time.Duration) (*domain.Agent, error)
	Release(ctx context.Context, poolName string, agent *domain.Agent) error
	RecordExecution(poolName string, success bool)
}

// RoleConsumer listens on agent.routing, filters by to_agent, and runs
// the role's graph on an acquired worker. Each role's consumer keeps
// its own consumer-group ID so scaling is horizontal per role.
type RoleConsumer struct {
	role           domain.Role
	poolName       string
	bus            Bus
	agents         AgentSource
	lifecycle      Lifecycle
	executor       *graph.Executor
	checkpoints    graph.Checkpoints
	hub            Broadcaster
	validate       *validator.Validate
	log            *zap.SugaredLogger
	acquireTimeout time.Duration
}

func NewRoleConsumer(role domain.Role, poolName string, bus Bus, agents AgentSource, lc Lifecycle,
	roleGraph *graph.Graph, checkpoints graph.Checkpoints, hub Broadcaster, acquireTimeout time.Duration,
	log *zap.SugaredLogger) *RoleConsumer {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	c := &RoleConsumer{
		role:           role,
		poolName:       poolName,
		bus:            bus,
		agents:         agents,
		lifecycle:      lc,
		executor:       graph.NewExecutor(roleGraph, checkpoints, log.Desugar()),
		checkpoints:    checkpoints,
		hub:            hub,
		validate:       validator.New(),
		log:            log,
		acquireTimeout: acquireTimeout,
	}
	return c
}

// Start subscribes this role's consumer group on agent.routing.
func (c *RoleConsumer) Start() error {
	group := "role-" + string(c.role)
	return c.bus.Subscribe(domain.TopicAgentRouting, group, c.Handle)
}

// Handle processes one routing event. Events addressed to other roles
// are acked and skipped.
func (c *RoleConsumer) Handle(ctx context.Context, raw []byte) error {
	var evt domain.RoutingEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		c.log.Warnw("undecodable routing event dropped", "role", c.role, "error", err)
		return nil
	}
	if err := c.validate.Struct(evt); err != nil {
		c.log.Warnw("invalid routing event dropped", "event_id", evt.EventID, "error", err)
		return nil
	}
	if evt.ToAgent != c.role {
		return nil
	}

	taskID := evt.Context.MessageID
	if taskID == "" {
		taskID = evt.EventID
	}
	executionID := uuid.New().String()

	agent, err := c.agents.Acquire(ctx, c.poolName, evt.ProjectID, c.acquireTimeout)
	if err != nil {
		// Pool saturated past the deadline: record a failed task rather
		// than retrying forever.
		c.log.Warnw("agent acquire failed", "role", c.role, "task", taskID, "error", err)
		if perr := c.lifecycle.Failed(taskID, "", string(c.role), evt.ProjectID, executionID, err.Error()); perr != nil {
			c.log.Warnw("publish failed event", "task", taskID, "error", perr)
		}
		return nil
	}
	agent.CurrentTaskID = taskID
	defer func() {
		agent.CurrentTaskID = ""
		if rerr := c.agents.Release(context.Background(), c.poolName, agent); rerr != nil {
			c.log.Warnw("agent release failed", "agent", agent.ID, "error", rerr)
		}
	}()

	// A resume re-enters an already-started task: emitting a second
	// started event would break the lifecycle-prefix invariant.
	resuming := false
	if len(evt.Context.SelectedOptions) > 0 {
		if _, cerr := c.checkpoints.Load(ctx, taskID); cerr == nil {
			resuming = true
		}
	}
	if !resuming {
		if err := c.lifecycle.Started(taskID, agent.ID, agent.Name, evt.ProjectID, executionID); err != nil {
			c.log.Warnw("publish started event", "task", taskID, "error", err)
		}
	}

	c.executor.SetStepHook(func(threadID, node string, state domain.GraphState) {
		total := state.GetInt(domain.KeyTotalSteps)
		if total <= 0 {
			return
		}
		pct := state.GetInt(domain.KeyCurrentStep) * 100 / total
		if pct <= 0 || pct >= 100 {
			return
		}
		if err := c.lifecycle.Progress(threadID, agent.ID, agent.Name, evt.ProjectID, executionID, pct); err != nil {
			c.log.Warnw("publish progress event", "task", threadID, "error", err)
		}
	})

	final, outcome, runErr := c.run(ctx, taskID, evt, resuming)

	switch outcome {
	case graph.OutcomeDone:
		if errText := final.GetString(domain.KeyError); errText != "" {
			// The graph's error node absorbed a failure and terminated
			// cleanly; the task still failed.
			c.agents.RecordExecution(c.poolName, false)
			if perr := c.lifecycle.Failed(taskID, agent.ID, agent.Name, evt.ProjectID, executionID, errText); perr != nil {
				c.log.Warnw("publish failed event", "task", taskID, "error", perr)
			}
			return nil
		}
		c.agents.RecordExecution(c.poolName, true)
		result := domain.TaskResult{
			Success: true,
			Output:  final.GetString(domain.KeyResponseMessage),
			StructuredData: map[string]any{
				"files_modified": final[domain.KeyFilesModified],
				"debug_count":    final.GetInt(domain.KeyDebugCount),
			},
		}
		if perr := c.lifecycle.Completed(taskID, agent.ID, agent.Name, evt.ProjectID, executionID, result); perr != nil {
			c.log.Warnw("publish completed event", "task", taskID, "error", perr)
		}
	case graph.OutcomeInterrupted:
		// The run is suspended, not terminal: surface the question to
		// the project room and wait for a resume_with_answer event.
		reason := final.GetString(domain.KeyInterruptReason)
		c.log.Infow("run interrupted", "task", taskID, "reason", reason)
		c.pushInterrupt(evt.ProjectID, agent.Name, taskID, reason, final)
	case graph.OutcomeCancelled:
		c.agents.RecordExecution(c.poolName, false)
		if perr := c.lifecycle.Cancelled(taskID, agent.ID, agent.Name, evt.ProjectID, executionID); perr != nil {
			c.log.Warnw("publish cancelled event", "task", taskID, "error", perr)
		}
	default:
		c.agents.RecordExecution(c.poolName, false)
		msg := "run failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		if perr := c.lifecycle.Failed(taskID, agent.ID, agent.Name, evt.ProjectID, executionID, msg); perr != nil {
			c.log.Warnw("publish failed event", "task", taskID, "error", perr)
		}
	}
	return nil
}

// run either resumes a suspended thread (a resume_with_answer event
// carries selected options) or starts a fresh one.
func (c *RoleConsumer) run(ctx context.Context, taskID string, evt domain.RoutingEvent, resuming bool) (domain.GraphState, graph.Outcome, error) {
	if resuming {
		return c.executor.Resume(ctx, taskID, evt.Context.SelectedOptions[0])
	}

	state := domain.GraphState{
		domain.KeyUserMessage: evt.Context.UserMessage,
		domain.KeyUserID:      evt.UserID,
		domain.KeyProjectID:   evt.ProjectID,
		domain.KeyTaskID:      taskID,
	}
	return c.executor.Run(ctx, taskID, state)
}

func (c *RoleConsumer) pushInterrupt(projectID, agentName, taskID, reason string, state domain.GraphState) {
	if c.hub == nil {
		return
	}
	question := state.GetString(graph.KeyClarifyQuestion)
	if question == "" {
		question = fmt.Sprintf("%s needs input (%s)", agentName, reason)
	}
	data, err := json.Marshal(wsMessage{
		Type: "interrupt", ProjectID: projectID, AgentName: agentName, Text: question, TaskID: taskID,
	})
	if err != nil {
		return
	}
	c.hub.Broadcast(projectID, data)
}
