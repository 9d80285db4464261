// Package dispatcher implements the event router: the consumer of the
// user-message and story-status topics that runs the Team Leader
// graph, applies the WIP gate, and either answers the user directly
// or publishes a routing event toward a role consumer.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/eventbus"
	"github.com/vibesdlc/orchestrator/internal/graph"
	"github.com/vibesdlc/orchestrator/internal/projectctx"
)

// Bus is the subset of eventbus.Bus the dispatcher needs.
type Bus interface {
	Publish(topic domain.Topic, event any) error
	Subscribe(topic domain.Topic, group string, handler eventbus.Handler) error
}

// Broadcaster is the fan-out surface responses are pushed to.
type Broadcaster interface {
	Broadcast(projectID string, message []byte) int
}

// Contexts is the project context cache surface the dispatcher
// loads before every graph run.
type Contexts interface {
	EnsureLoaded(ctx context.Context, projectID string) error
	Get(ctx context.Context, projectID string) (projectctx.Snapshot, error)
	AddMessage(ctx context.Context, projectID, role, text string) error
}

// Dispatcher consumes user.messages and story.events.
type Dispatcher struct {
	bus         Bus
	contexts    Contexts
	hub         Broadcaster
	tlGraph     *graph.Graph
	checkpoints graph.Checkpoints
	validate    *validator.Validate
	log         *zap.SugaredLogger

	mu        sync.Mutex
	executors map[string]*graph.Executor // project id -> cached Team Leader executor
}

func New(bus Bus, contexts Contexts, hub Broadcaster, tlGraph *graph.Graph, checkpoints graph.Checkpoints, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		bus:         bus,
		contexts:    contexts,
		hub:         hub,
		tlGraph:     tlGraph,
		checkpoints: checkpoints,
		validate:    validator.New(),
		log:         log,
		executors:   make(map[string]*graph.Executor),
	}
}

// Start subscribes the dispatcher's consumer groups.
func (d *Dispatcher) Start() error {
	if err := d.bus.Subscribe(domain.TopicUserMessages, "dispatcher", d.HandleUserMessage); err != nil {
		return err
	}
	return d.bus.Subscribe(domain.TopicStoryEvents, "dispatcher-stories", d.HandleStoryEvent)
}

// executorFor returns the cached Team Leader executor for a project,
// building it on first use.
func (d *Dispatcher) executorFor(projectID string) *graph.Executor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.executors[projectID]; ok {
		return e
	}
	e := graph.NewExecutor(d.tlGraph, d.checkpoints, d.log.Desugar())
	d.executors[projectID] = e
	return e
}

// wsMessage is the shape pushed to a project's websocket room.
type wsMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	AgentName string `json:"agent_name,omitempty"`
	Text      string `json:"text,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

func (d *Dispatcher) push(projectID string, msg wsMessage) {
	if d.hub == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	d.hub.Broadcast(projectID, data)
}

// HandleUserMessage processes one inbound user message end to end:
// load project context, run the Team Leader graph, then delegate or
// respond. A validation failure is logged and acked without retry.
func (d *Dispatcher) HandleUserMessage(ctx context.Context, raw []byte) error {
	var evt domain.UserMessageEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		d.log.Warnw("undecodable user message dropped", "error", err)
		return nil
	}
	if err := d.validate.Struct(evt); err != nil {
		d.log.Warnw("invalid user message dropped", "event_id", evt.EventID, "error", err)
		return nil
	}

	if err := d.contexts.EnsureLoaded(ctx, evt.ProjectID); err != nil {
		return err
	}
	snap, err := d.contexts.Get(ctx, evt.ProjectID)
	if err != nil {
		return err
	}
	if err := d.contexts.AddMessage(ctx, evt.ProjectID, "user", evt.Content); err != nil {
		d.log.Warnw("record user message failed", "project", evt.ProjectID, "error", err)
	}

	state := domain.GraphState{
		domain.KeyUserMessage:         evt.Content,
		domain.KeyUserID:              evt.UserID,
		domain.KeyProjectID:           evt.ProjectID,
		domain.KeyTaskID:              evt.EventID,
		domain.KeyConversationHistory: snap.Conversation,
		domain.KeyPreferences:         snap.Preferences,
	}

	final, outcome, err := d.executorFor(evt.ProjectID).Run(ctx, evt.EventID, state)
	if err != nil && outcome != graph.OutcomeDone {
		d.log.Errorw("team leader run failed", "event_id", evt.EventID, "outcome", outcome, "error", err)
		d.push(evt.ProjectID, wsMessage{
			Type: "error", ProjectID: evt.ProjectID, AgentName: "team_leader",
			Text: "something went wrong handling your message", TaskID: evt.EventID,
		})
		return nil
	}

	switch final.GetString(domain.KeyAction) {
	case graph.ActionDelegate:
		return d.delegate(evt, final)
	default:
		return d.respond(ctx, evt, final)
	}
}

// delegate publishes a routing event toward the target role's
// consumers. The wip_gate node has already flipped hard-blocked
// delegations back to RESPOND, so anything arriving here is admitted.
func (d *Dispatcher) delegate(evt domain.UserMessageEvent, state domain.GraphState) error {
	routing := domain.RoutingEvent{
		EventID:   uuid.New().String(),
		FromAgent: string(domain.RoleTeamLeader),
		ToAgent:   domain.Role(state.GetString(domain.KeyTargetRole)),
		ProjectID: evt.ProjectID,
		UserID:    evt.UserID,
		Context: domain.RoutingContext{
			MessageID:   evt.EventID,
			UserMessage: evt.Content,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := d.bus.Publish(domain.TopicAgentRouting, routing); err != nil {
		return err
	}
	d.log.Infow("delegated", "event_id", evt.EventID, "to", routing.ToAgent,
		"reason", state.GetString(domain.KeyRoutingReason))
	d.push(evt.ProjectID, wsMessage{
		Type: "delegation", ProjectID: evt.ProjectID, AgentName: "team_leader",
		Text: "routing your request to " + string(routing.ToAgent), TaskID: evt.EventID,
	})
	return nil
}

// respond returns the graph's message directly to the fan-out and the
// project conversation.
func (d *Dispatcher) respond(ctx context.Context, evt domain.UserMessageEvent, state domain.GraphState) error {
	msg := state.GetString(domain.KeyResponseMessage)
	if msg == "" {
		if errText := state.GetString(domain.KeyError); errText != "" {
			msg = "I hit a problem handling that: " + errText
		} else {
			msg = "done"
		}
	}
	if err := d.contexts.AddMessage(ctx, evt.ProjectID, string(domain.RoleTeamLeader), msg); err != nil {
		d.log.Warnw("record response failed", "project", evt.ProjectID, "error", err)
	}
	d.push(evt.ProjectID, wsMessage{
		Type: "message", ProjectID: evt.ProjectID, AgentName: "team_leader", Text: msg, TaskID: evt.EventID,
	})
	return nil
}

// HandleStoryEvent fans a story status change out to the project's
// room and logs it for flow accounting.
func (d *Dispatcher) HandleStoryEvent(ctx context.Context, raw []byte) error {
	var evt domain.StoryEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		d.log.Warnw("undecodable story event dropped", "error", err)
		return nil
	}
	if err := d.validate.Struct(evt); err != nil {
		d.log.Warnw("invalid story event dropped", "event_id", evt.EventID, "error", err)
		return nil
	}

	d.log.Infow("story status changed", "story", evt.StoryID, "project", evt.ProjectID,
		"from", evt.FromStatus, "to", evt.ToStatus)
	d.push(evt.ProjectID, wsMessage{
		Type: "story_event", ProjectID: evt.ProjectID,
		Text: string(evt.FromStatus) + " -> " + string(evt.ToStatus), TaskID: evt.StoryID,
	})
	return nil
}
