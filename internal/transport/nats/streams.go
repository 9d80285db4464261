package nats

import (
	"fmt"

	"go.uber.org/zap"

	nc "github.com/nats-io/nats.go"
)

// StreamManager creates and updates the JetStream streams backing the
// control plane's topic set with a create-or-update idiom.
type StreamManager struct {
	js  nc.JetStreamContext
	log *zap.Logger
}

// NewStreamManager wraps an existing JetStream context.
func NewStreamManager(js nc.JetStreamContext, log *zap.Logger) *StreamManager {
	return &StreamManager{js: js, log: log}
}

// Topics is the fixed topic set the control plane carries. Each topic
// gets its own durable, file-backed stream so redelivery survives a
// broker restart.
var Topics = []string{
	"user.messages",
	"agent.routing",
	"agent.tasks",
	"story.events",
	"artifacts.events",
}

// SetupStreams creates or updates a file-backed stream per topic; each
// stream also carries the topic's `.dlq` subject for poison messages.
func (sm *StreamManager) SetupStreams() error {
	for _, topic := range Topics {
		cfg := nc.StreamConfig{
			Name:      streamName(topic),
			Subjects:  []string{topic, topic + ".dlq"},
			Storage:   nc.FileStorage,
			Retention: nc.LimitsPolicy,
		}
		if err := sm.createOrUpdate(cfg); err != nil {
			return err
		}
	}
	sm.log.Info("jetstream streams configured", zap.Int("count", len(Topics)))
	return nil
}

func streamName(topic string) string {
	out := make([]byte, 0, len(topic))
	for _, r := range topic {
		if r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return fmt.Sprintf("ORCH_%s", out)
}

func (sm *StreamManager) createOrUpdate(cfg nc.StreamConfig) error {
	if _, err := sm.js.StreamInfo(cfg.Name); err != nil {
		if err == nc.ErrStreamNotFound {
			sm.log.Info("creating stream", zap.String("name", cfg.Name), zap.Strings("subjects", cfg.Subjects))
			_, err := sm.js.AddStream(&cfg)
			return err
		}
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}
	_, err := sm.js.UpdateStream(&cfg)
	return err
}
