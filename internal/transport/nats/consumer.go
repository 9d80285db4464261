package nats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	nc "github.com/nats-io/nats.go"
)

// DeliveredMessage is one pulled, not-yet-acked JetStream message.
type DeliveredMessage struct {
	Subject     string
	Data        []byte
	DeliverCount int
	msg         *nc.Msg
}

// Ack acknowledges successful processing, advancing the consumer
// group's offset. Unacked messages are redelivered.
func (d *DeliveredMessage) Ack() error { return d.msg.Ack() }

// Nak signals the message should be redelivered after the given
// backoff delay.
func (d *DeliveredMessage) Nak(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

// Consumer is a durable, ack-explicit pull consumer bound to one
// subject within a named consumer group, giving handlers
// at-least-once delivery with redelivery on Nak.
type Consumer struct {
	sub *nc.Subscription
	log *zap.Logger
}

// DurableConsume binds a durable pull consumer named `group` to
// `subject`, creating it if absent.
func DurableConsume(js nc.JetStreamContext, subject, group string, log *zap.Logger) (*Consumer, error) {
	sub, err := js.PullSubscribe(subject, group, nc.ManualAck(), nc.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s/%s: %w", subject, group, err)
	}
	return &Consumer{sub: sub, log: log}, nil
}

// Fetch pulls up to `batch` messages, blocking up to the context
// deadline (or 5s if none is set).
func (c *Consumer) Fetch(ctx context.Context, batch int) ([]*DeliveredMessage, error) {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	msgs, err := c.sub.Fetch(batch, nc.MaxWait(timeout))
	if err != nil {
		if err == nc.ErrTimeout {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*DeliveredMessage, 0, len(msgs))
	for _, m := range msgs {
		meta, _ := m.Metadata()
		count := 1
		if meta != nil {
			count = int(meta.NumDelivered)
		}
		out = append(out, &DeliveredMessage{Subject: m.Subject, Data: m.Data, DeliverCount: count, msg: m})
	}
	return out, nil
}

// Drain unsubscribes after letting in-flight pulls finish.
func (c *Consumer) Drain() error { return c.sub.Drain() }
