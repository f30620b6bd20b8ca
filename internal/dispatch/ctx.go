// Package dispatch routes inbound bus messages to registered handlers. It
// owns the single dispatch loop, the envelope-id dedup cache, per-handler
// timeouts and panic isolation, and the explicit per-message [Ctx] that
// replaces ambient context-locals.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/observe"
)

// Publisher is the outbound side handed to handlers. *broker.Client
// satisfies it; tests use a recording fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Ctx carries the per-message request context into a handler: the topic and
// correlation id of the message, a correlate-annotated logger, the metrics
// instruments, and the publisher for emitting follow-up messages.
type Ctx struct {
	// Topic is the MQTT topic the message arrived on.
	Topic string

	// Correlate is the envelope's correlation id, or its own id when it has
	// none (so follow-up messages always correlate to something).
	Correlate string

	// Source is this service's name, stamped into outbound envelopes.
	Source string

	// Logger carries the correlate on every line.
	Logger *slog.Logger

	// Metrics is the shared instrument set.
	Metrics *observe.Metrics

	// Publisher sends outbound messages.
	Publisher Publisher
}

// PublishEvent encodes data as an envelope of the given type and publishes
// it. The publish result is recorded in the publish counter either way.
func (c *Ctx) PublishEvent(ctx context.Context, topic, typ string, data any, correlate string, qos byte, retain bool) error {
	payload, err := contract.Encode(typ, c.Source, data, correlate)
	if err != nil {
		return fmt.Errorf("dispatch: encode %s: %w", typ, err)
	}
	if err := c.Publisher.Publish(ctx, topic, payload, qos, retain); err != nil {
		c.Metrics.RecordPublish(ctx, topic, "error")
		return err
	}
	c.Metrics.RecordPublish(ctx, topic, "ok")
	return nil
}
