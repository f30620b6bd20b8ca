package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tars-assistant/router/internal/broker"
	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/observe"
)

// Handler processes one decoded envelope. Returning an error (or panicking)
// is logged and counted; it never terminates the dispatch loop.
type Handler func(ctx context.Context, mctx *Ctx, env *contract.Envelope) error

// RegisterOption modifies a single handler registration.
type RegisterOption func(*entry)

// SkipDedup exempts this handler from the envelope-id dedup cache. The
// health registry uses this: retained health messages are re-delivered after
// a reconnect with their original ids, and the registry must be allowed to
// re-consume them because its state may have been rebuilt since.
func SkipDedup() RegisterOption {
	return func(e *entry) { e.skipDedup = true }
}

type entry struct {
	fn        Handler
	skipDedup bool
}

type registration struct {
	pattern string
	entries []entry
}

// Config holds the dispatcher's collaborators and tuning knobs.
type Config struct {
	// Messages is the inbound stream, normally broker.Client.Messages().
	Messages <-chan broker.Message

	// Publisher is handed to handlers through the [Ctx].
	Publisher Publisher

	// Metrics is the shared instrument set. Required.
	Metrics *observe.Metrics

	// Source is this service's name for outbound envelopes.
	Source string

	// HandlerTimeout bounds each handler invocation. Default: 10s.
	HandlerTimeout time.Duration

	// DedupTTL / DedupMax configure the envelope-id dedup cache.
	DedupTTL time.Duration
	DedupMax int

	// OnTombstone is called for empty-payload deliveries, which MQTT uses
	// to clear a retained topic. Optional.
	OnTombstone func(ctx context.Context, topic string)
}

// Dispatcher fans inbound messages out to registered handlers. A single loop
// reads messages sequentially; matching handlers run concurrently, one
// goroutine per handler invocation.
type Dispatcher struct {
	cfg   Config
	cache *DedupCache

	mu            sync.RWMutex
	registrations []registration

	wg sync.WaitGroup
}

// New creates a [Dispatcher]. Register all handlers before calling [Run].
func New(cfg Config) *Dispatcher {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:   cfg,
		cache: NewDedupCache(cfg.DedupMax, cfg.DedupTTL),
	}
}

// Register adds a handler for a topic pattern (MQTT wildcards allowed).
// Multiple handlers per pattern run in registration order relative to each
// other's start; the dispatcher provides no per-topic serialisation.
func (d *Dispatcher) Register(pattern string, h Handler, opts ...RegisterOption) {
	e := entry{fn: h}
	for _, o := range opts {
		o(&e)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.registrations {
		if d.registrations[i].pattern == pattern {
			d.registrations[i].entries = append(d.registrations[i].entries, e)
			return
		}
	}
	d.registrations = append(d.registrations, registration{pattern: pattern, entries: []entry{e}})
}

// Run executes the dispatch loop until ctx is cancelled or the inbound
// channel closes. It always returns nil on a clean channel close and
// ctx.Err() on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.cfg.Messages:
			if !ok {
				return nil
			}
			d.dispatch(ctx, msg)
		}
	}
}

// Stop waits for in-flight handlers to drain, bounded by ctx. Handlers still
// running when ctx expires are abandoned (their contexts are already
// cancelled by the Run ctx or their own timeouts).
func (d *Dispatcher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain interrupted: %w", ctx.Err())
	}
}

// dispatch decodes one message and fans it out.
func (d *Dispatcher) dispatch(ctx context.Context, msg broker.Message) {
	m := d.cfg.Metrics
	start := time.Now()
	topicAttr := metric.WithAttributes(attribute.String("topic", msg.Topic))
	m.MessagesReceived.Add(ctx, 1, topicAttr)

	if len(msg.Payload) == 0 {
		// Retained-topic clear, not a protocol error.
		if d.cfg.OnTombstone != nil {
			d.cfg.OnTombstone(ctx, msg.Topic)
		}
		return
	}

	env, err := contract.Decode(msg.Payload)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, contract.ErrUnknownEventType):
			reason = "unknown_type"
		case errors.Is(err, contract.ErrSchemaViolation):
			reason = "schema"
		}
		m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		observe.Logger("").Warn("dropping undecodable message",
			"topic", msg.Topic, "reason", reason, "err", err)
		return
	}

	correlate := env.Correlate
	if correlate == "" {
		correlate = env.ID
	}

	dup := d.cache.Seen(env.ID)

	d.mu.RLock()
	var matched []entry
	for _, reg := range d.registrations {
		if broker.MatchTopic(reg.pattern, msg.Topic) {
			matched = append(matched, reg.entries...)
		}
	}
	d.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	if dup {
		m.DedupHits.Add(ctx, 1)
	}

	spanCtx, span := observe.StartDispatchSpan(ctx, msg.Topic, correlate)
	defer span.End()

	dispatched := false
	for _, e := range matched {
		if dup && !e.skipDedup {
			continue
		}
		dispatched = true
		d.wg.Add(1)
		go d.invoke(spanCtx, e.fn, msg.Topic, correlate, env)
	}
	if dispatched {
		m.MessagesDispatched.Add(ctx, 1, topicAttr)
	}

	m.DispatchLatency.Record(ctx, time.Since(start).Seconds(), topicAttr)
}

// invoke runs one handler with its timeout, recovering panics and recording
// latency and errors.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, topic, correlate string, env *contract.Envelope) {
	defer d.wg.Done()

	m := d.cfg.Metrics
	logger := observe.Logger(correlate)
	mctx := &Ctx{
		Topic:     topic,
		Correlate: correlate,
		Source:    d.cfg.Source,
		Logger:    logger,
		Metrics:   m,
		Publisher: d.cfg.Publisher,
	}

	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		m.HandlerLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("topic", topic)))
		if r := recover(); r != nil {
			m.RecordHandlerError(ctx, topic)
			logger.Error("handler panicked",
				"topic", topic, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := h(hctx, mctx, env); err != nil {
		m.RecordHandlerError(ctx, topic)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error("handler timed out", "topic", topic, "timeout", d.cfg.HandlerTimeout)
			return
		}
		logger.Error("handler failed", "topic", topic, "err", err)
	}
}
