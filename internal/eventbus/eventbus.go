// Package eventbus implements the typed Publish/Subscribe surface over
// internal/transport/nats: at-least-once delivery through durable
// JetStream consumer groups, event_id idempotency, and a dead-letter
// topic for poison messages.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/domain"
	tnats "github.com/vibesdlc/orchestrator/internal/transport/nats"
)

// State is the lifecycle state of the bus client.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Dedup records which event_ids have already been processed, backing
// idempotent handler semantics.
type Dedup interface {
	// Seen records id as processed; returns true if it was already
	// seen (the caller should skip handling).
	Seen(ctx context.Context, topic, id string) (bool, error)
}

// Handler processes one decoded event. Returning an error causes
// redelivery after backoff; returning nil advances the consumer
// group's offset (Ack).
type Handler func(ctx context.Context, raw []byte) error

// Config controls retry/DLQ behavior.
type Config struct {
	MaxDeliveries int
	BackoffCap    time.Duration
	DrainTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Bus is the Event Bus Client.
type Bus struct {
	client *tnats.Client
	dedup  Dedup
	cfg    Config
	log    *zap.Logger

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	wg      sync.WaitGroup
	drainDL time.Duration
}

// New builds a Bus over an already-connected transport client.
func New(client *tnats.Client, dedup Dedup, cfg Config, log *zap.Logger) *Bus {
	return &Bus{
		client: client,
		dedup:  dedup,
		cfg:    cfg.withDefaults(),
		log:    log,
		state:  StateStopped,
	}
}

// Publish serializes event as JSON and publishes it to topic.
func (b *Bus) Publish(topic domain.Topic, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apperr.Internal("eventbus.publish", err)
	}
	if err := b.client.Publish(string(topic), data); err != nil {
		return apperr.Transient("eventbus.publish", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe starts a durable consumer-group loop for topic, dispatching
// each delivered message to handler. One goroutine per call; call
// Stop to drain all of them.
func (b *Bus) Subscribe(topic domain.Topic, group string, handler Handler) error {
	b.mu.Lock()
	if b.state == StateStopped {
		b.state = StateStarting
		b.stopCh = make(chan struct{})
	}
	b.mu.Unlock()

	consumer, err := tnats.DurableConsume(b.client.JetStream(), string(topic), group, b.log)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
	}

	b.mu.Lock()
	b.state = StateRunning
	stopCh := b.stopCh
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consumeLoop(string(topic), group, consumer, handler, stopCh)
	return nil
}

func (b *Bus) consumeLoop(topic, group string, consumer *tnats.Consumer, handler Handler, stopCh chan struct{}) {
	defer b.wg.Done()
	log := b.log.With(zap.String("topic", topic), zap.String("group", group))
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msgs, err := consumer.Fetch(ctx, 10)
		cancel()
		if err != nil {
			log.Warn("fetch failed", zap.Error(err))
			continue
		}
		for _, m := range msgs {
			b.handleOne(topic, group, m, handler, log)
		}
	}
}

func (b *Bus) handleOne(topic, group string, m *tnats.DeliveredMessage, handler Handler, log *zap.Logger) {
	id := extractEventID(m.Data)

	if b.dedup != nil && id != "" {
		seen, err := b.dedup.Seen(context.Background(), topic, id)
		if err == nil && seen {
			m.Ack()
			return
		}
	}

	if m.DeliverCount > b.cfg.MaxDeliveries {
		log.Error("poison message, routing to dlq", zap.String("event_id", id), zap.Int("deliveries", m.DeliverCount))
		b.client.Publish(topic+".dlq", m.Data)
		m.Ack()
		return
	}

	err := handler(context.Background(), m.Data)
	if err == nil {
		m.Ack()
		return
	}

	delay := nextBackoff(m.DeliverCount, b.cfg.BackoffCap)
	log.Warn("handler failed, scheduling redelivery", zap.Error(err), zap.Duration("delay", delay))
	m.Nak(delay)
}

func nextBackoff(attempt int, cap time.Duration) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = cap
	eb.Multiplier = 2
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = eb.NextBackOff()
	}
	if d > cap || d == backoff.Stop {
		d = cap
	}
	return d
}

func extractEventID(raw []byte) string {
	var probe struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.EventID
}

// Stop transitions the bus through draining to stopped, waiting up to
// DrainTimeout for in-flight handlers before returning.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.state == StateStopped || b.stopCh == nil {
		b.mu.Unlock()
		return
	}
	b.state = StateDraining
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.cfg.DrainTimeout):
		b.log.Warn("drain timeout exceeded, outstanding handlers abandoned")
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
}
