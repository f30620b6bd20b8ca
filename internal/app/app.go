// Package app wires all router subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and wires all
// subsystems, Run connects to the broker and executes the processing loops,
// and Shutdown tears everything down in order.
//
// For testing, inject a fake bus via [WithBus]; when no option is provided,
// New creates a real broker client from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tars-assistant/router/internal/broker"
	"github.com/tars-assistant/router/internal/config"
	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/dispatch"
	"github.com/tars-assistant/router/internal/health"
	"github.com/tars-assistant/router/internal/history"
	"github.com/tars-assistant/router/internal/observe"
	"github.com/tars-assistant/router/internal/policy"
	"github.com/tars-assistant/router/internal/stream"
	"github.com/tars-assistant/router/internal/wake"
)

// Bus is the slice of the broker client the app depends on. *broker.Client
// satisfies it; tests use an in-memory fake.
type Bus interface {
	dispatch.Publisher
	Connect(ctx context.Context) error
	Subscribe(pattern string, qos byte) error
	Messages() <-chan broker.Message
	Close() error
}

// subscriptions lists every pattern the router consumes, with its QoS.
// Partial transcripts are advisory and ride QoS 0; everything else is
// at-least-once.
var subscriptions = []struct {
	pattern string
	qos     byte
}{
	{broker.TopicSTTFinal, 1},
	{broker.TopicSTTPartial, 0},
	{broker.TopicWakeEvent, 1},
	{broker.TopicLLMStream, 1},
	{broker.TopicLLMResponse, 1},
	{broker.TopicLLMCancel, 1},
	{broker.TopicTTSStatus, 1},
	{broker.TopicHealthAll, 1},
	{broker.TopicCharacterCurrent, 1},
}

// App owns all subsystem lifetimes and orchestrates the message router.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	bus        Bus
	dispatcher *dispatch.Dispatcher
	registry   *health.Registry
	machine    *wake.Machine
	assembler  *stream.Assembler
	engine     *policy.Engine
	memory     *history.Log
	ops        *http.Server

	// character mirrors the retained system/character/current topic.
	charMu    sync.RWMutex
	character contract.CharacterCurrent

	// started anchors the startup grace period for health decisions.
	started time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBus injects a bus instead of creating a broker client from config.
func WithBus(b Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics injects an instrument set instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous and does not touch the network; Run performs the connect.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, started: time.Now()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Policy engine ─────────────────────────────────────────────────
	rules, err := policy.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("app: load rules: %w", err)
	}
	a.engine = policy.New(rules, cfg.MinTranscriptChars)

	// ── 2. Health registry ───────────────────────────────────────────────
	a.registry = health.NewRegistry(cfg.Health.StaleAfter)

	// ── 3. Broker client ─────────────────────────────────────────────────
	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init broker: %w", err)
	}

	// ── 4. Stream assembler ──────────────────────────────────────────────
	emitter := &busEmitter{
		pub:     a.bus,
		source:  cfg.ServiceName,
		metrics: a.metrics,
		voice:   a.currentVoice,
	}
	a.assembler = stream.New(stream.Config{
		Enabled:       cfg.Stream.Enabled,
		MinChars:      cfg.Stream.MinChars,
		MaxChars:      cfg.Stream.MaxChars,
		EagerFlush:    !cfg.Stream.BoundaryOnly,
		QueueDepth:    cfg.Stream.QueueMax,
		Overflow:      stream.OverflowPolicy(cfg.Stream.Overflow),
		ReorderWindow: cfg.Stream.ReorderWindow,
		Emitter:       emitter,
		Metrics:       a.metrics,
	})

	// ── 5. Conversation memory ───────────────────────────────────────────
	a.memory = history.New(history.Config{
		MaxTurns: cfg.History.MaxTurns,
		MaxChars: cfg.History.MaxChars,
	})

	// ── 6. Wake machine ──────────────────────────────────────────────────
	a.machine = wake.New(wake.Config{
		AlwaysListen:    cfg.Wake.AlwaysListen,
		IdleTimeout:     cfg.Wake.IdleTimeout,
		InterruptWindow: cfg.Wake.InterruptWindow,
		Emitter:         &wakeEmitter{bus: emitter, assembler: a.assembler, memory: a.memory},
		Metrics:         a.metrics,
	})

	// ── 7. Dispatcher + routing table ────────────────────────────────────
	a.dispatcher = dispatch.New(dispatch.Config{
		Messages:       a.bus.Messages(),
		Publisher:      a.bus,
		Metrics:        a.metrics,
		Source:         cfg.ServiceName,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		DedupTTL:       cfg.Dispatch.DedupTTL,
		DedupMax:       cfg.Dispatch.DedupMax,
		OnTombstone:    a.onTombstone,
	})
	a.registerHandlers()

	// ── 8. Ops endpoint ──────────────────────────────────────────────────
	a.initOps()

	return a, nil
}

// initBus creates the broker client unless one was injected.
func (a *App) initBus() error {
	if a.bus != nil {
		return nil
	}

	will, err := contract.Encode(contract.TypeHealthStatus, a.cfg.ServiceName,
		contract.HealthStatus{OK: false, Event: "lost"}, "")
	if err != nil {
		return err
	}

	cli, err := broker.New(broker.Config{
		URL:          a.cfg.MQTTURL,
		ClientID:     a.cfg.ClientID,
		ReconnectMin: a.cfg.Reconnect.Min,
		ReconnectMax: a.cfg.Reconnect.Max,
		Will: &broker.Will{
			Topic:   broker.HealthTopic(a.cfg.ServiceName),
			Payload: will,
			QoS:     1,
			Retain:  true,
		},
		OnReconnect: func() {
			a.metrics.BrokerReconnects.Add(context.Background(), 1)
			// Retained state may have been replayed by the session; our own
			// readiness must be re-asserted.
			if err := a.publishHealth(context.Background(), true, "ready"); err != nil {
				slog.Warn("health republish after reconnect failed", "err", err)
			}
		},
		OnDrop: func(topic string) {
			slog.Warn("inbound buffer full, message dropped", "topic", topic)
		},
	})
	if err != nil {
		return err
	}
	a.bus = cli
	a.closers = append(a.closers, cli.Close)
	return nil
}

// initOps builds the HTTP server exposing /healthz, /readyz and /metrics.
// An empty listen address disables the endpoint.
func (a *App) initOps() {
	if a.cfg.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.NewHandler(a.registry, health.Checker{
		Name: "broker",
		Check: func(ctx context.Context) error {
			// A publish to our own health topic proves a live session.
			return a.publishHealth(ctx, true, "ready")
		},
	}).Register(mux)

	a.ops = &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the broker, announces readiness, and blocks executing the
// processing loops until ctx is cancelled or a loop fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.bus.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect broker: %w", err)
	}

	for _, sub := range subscriptions {
		if err := a.bus.Subscribe(sub.pattern, sub.qos); err != nil {
			return fmt.Errorf("app: subscribe %s: %w", sub.pattern, err)
		}
	}

	if err := a.publishHealth(ctx, false, "starting"); err != nil {
		slog.Warn("startup health publish failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return a.machine.Run(gctx) })
	g.Go(func() error { return a.sweepLoop(gctx) })
	g.Go(func() error { return a.changeLoop(gctx) })
	if a.ops != nil {
		g.Go(func() error {
			err := a.ops.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: ops server: %w", err)
		})
		g.Go(func() error {
			// Shut the ops listener down as soon as the group context falls.
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.ops.Shutdown(sctx)
		})
	}

	if err := a.publishHealth(ctx, true, "ready"); err != nil {
		slog.Warn("ready health publish failed", "err", err)
	}
	slog.Info("router running",
		"client_id", a.cfg.ClientID,
		"stream", a.cfg.Stream.Enabled,
		"always_listen", a.cfg.Wake.AlwaysListen,
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweepLoop periodically marks silent peers stale.
func (a *App) sweepLoop(ctx context.Context) error {
	interval := a.registry.StaleAfter() / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.registry.Sweep()
		}
	}
}

// changeLoop logs peer health transitions and mirrors them into the gauge.
func (a *App) changeLoop(ctx context.Context) error {
	changes := a.registry.SubscribeChanges()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change := <-changes:
			a.metrics.RecordServiceHealth(ctx, change.Service, change.Record.OK)
			if change.Record.OK {
				slog.Info("peer healthy", "service", change.Service, "event", change.Record.Event)
			} else {
				slog.Warn("peer unhealthy",
					"service", change.Service,
					"event", change.Record.Event,
					"err", change.Record.Err,
				)
			}
		}
	}
}

// publishHealth publishes this instance's retained health record.
func (a *App) publishHealth(ctx context.Context, ok bool, event string) error {
	payload, err := contract.Encode(contract.TypeHealthStatus, a.cfg.ServiceName,
		contract.HealthStatus{OK: ok, Event: event}, "")
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, broker.HealthTopic(a.cfg.ServiceName), payload, 1, true)
}

// currentVoice returns the retained character's voice, if any.
func (a *App) currentVoice() string {
	a.charMu.RLock()
	defer a.charMu.RUnlock()
	return a.character.Voice
}

// currentSystem returns the retained character's system prompt, if any.
func (a *App) currentSystem() string {
	a.charMu.RLock()
	defer a.charMu.RUnlock()
	return a.character.System
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: announce departure, drain the
// dispatcher and assembler, then close the broker connection. It respects
// the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.publishHealth(ctx, false, "shutdown"); err != nil {
			slog.Warn("shutdown health publish failed", "err", err)
		}
		if err := a.dispatcher.Stop(ctx); err != nil {
			slog.Warn("dispatcher drain error", "err", err)
		}
		if err := a.assembler.Shutdown(ctx); err != nil {
			slog.Warn("assembler drain error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
