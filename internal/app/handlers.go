package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tars-assistant/router/internal/broker"
	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/dispatch"
	"github.com/tars-assistant/router/internal/policy"
)

// registerHandlers installs the routing table. Every handler is small: it
// decodes the typed payload, consults the owning subsystem, and publishes
// whatever the decision requires.
func (a *App) registerHandlers() {
	a.dispatcher.Register(broker.TopicSTTFinal, a.handleTranscript)
	a.dispatcher.Register(broker.TopicSTTPartial, a.handlePartial)
	a.dispatcher.Register(broker.TopicWakeEvent, a.handleWakeEvent)
	a.dispatcher.Register(broker.TopicLLMStream, a.handleStreamDelta)
	a.dispatcher.Register(broker.TopicLLMResponse, a.handleResponse)
	a.dispatcher.Register(broker.TopicLLMCancel, a.handleCancel)
	a.dispatcher.Register(broker.TopicTTSStatus, a.handleTTSStatus)
	// Retained health records are re-delivered with their original envelope
	// ids after a reconnect; the registry must consume them anyway.
	a.dispatcher.Register(broker.TopicHealthAll, a.handleHealth, dispatch.SkipDedup())
	a.dispatcher.Register(broker.TopicCharacterCurrent, a.handleCharacter, dispatch.SkipDedup())
}

// llmHealthy reports whether transcripts may be forwarded to the language
// model. An llm that has never been observed counts as healthy while the
// startup grace period lasts: its retained health record may simply not have
// arrived yet.
func (a *App) llmHealthy() bool {
	if a.registry.Healthy("llm") {
		return true
	}
	if _, known := a.registry.Snapshot("llm"); known {
		return false
	}
	return time.Since(a.started) < a.registry.StaleAfter()
}

// handleTranscript runs a final transcript through the policy engine and
// executes the resulting action.
func (a *App) handleTranscript(ctx context.Context, mctx *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	final := p.(*contract.STTFinal)

	if err := a.machine.OnActivity(ctx); err != nil {
		return err
	}

	decision := a.engine.Decide(policy.Input{
		Text:         final.Text,
		Wake:         a.machine.Snapshot(),
		AlwaysListen: a.cfg.Wake.AlwaysListen,
		LLMHealthy:   a.llmHealthy(),
	})
	mctx.Logger.Debug("transcript decided",
		"action", decision.Action, "reason", decision.Reason, "rule", decision.Rule)

	switch decision.Action {
	case policy.ActionDrop:
		return nil

	case policy.ActionDirectTTS:
		say := contract.TTSSay{
			Text:        decision.Reply,
			UtteranceID: uuid.NewString(),
			Voice:       a.currentVoice(),
			IsLast:      true,
		}
		return mctx.PublishEvent(ctx, broker.TopicTTSSay, contract.TypeTTSSay, say, mctx.Correlate, 1, false)

	case policy.ActionCancelLLM:
		if err := mctx.PublishEvent(ctx, broker.TopicLLMCancel, contract.TypeLLMCancel,
			contract.LLMCancel{Reason: decision.Reason}, decision.Correlate, 1, false); err != nil {
			return err
		}
		return a.assembler.Cancel(ctx, decision.Correlate, decision.Reason)

	case policy.ActionForwardLLM:
		if err := a.machine.Activate(ctx, mctx.Correlate); err != nil {
			return err
		}
		req := contract.LLMRequest{
			Messages: append(a.memory.Messages(),
				contract.ChatMessage{Role: "user", Content: final.Text}),
			System: a.currentSystem(),
			Stream: a.cfg.Stream.Enabled,
		}
		if err := mctx.PublishEvent(ctx, broker.TopicLLMRequest, contract.TypeLLMRequest, req, mctx.Correlate, 1, false); err != nil {
			return err
		}
		a.memory.AddUser(final.Text)
		return nil

	default:
		return fmt.Errorf("app: unknown policy action %q", decision.Action)
	}
}

// handlePartial keeps an open wake session alive while the user is still
// speaking. Partials are never routed; their only effect is the idle-timer
// reset, so a long utterance cannot time the session out mid-sentence.
func (a *App) handlePartial(ctx context.Context, _ *dispatch.Ctx, env *contract.Envelope) error {
	if _, err := env.Payload(); err != nil {
		return err
	}
	if !a.machine.Admits() {
		return nil // no session to keep alive
	}
	return a.machine.OnActivity(ctx)
}

// handleWakeEvent feeds wake.event into the machine.
func (a *App) handleWakeEvent(ctx context.Context, _ *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	return a.machine.OnWake(ctx, *p.(*contract.WakeEvent))
}

// handleStreamDelta forwards an llm.stream chunk to the assembler, unless
// the wake machine says the correlation is stale.
func (a *App) handleStreamDelta(ctx context.Context, mctx *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	chunk := p.(*contract.LLMStream)

	if err := a.machine.OnStreamDelta(ctx, mctx.Correlate); err != nil {
		return err
	}

	// Chunks for a superseded correlation must not reach the speaker.
	if active := a.machine.Snapshot().ActiveCorrelate; active != "" && active != mctx.Correlate {
		mctx.Logger.Debug("dropping stream chunk for inactive correlation",
			"active", active, "seq", chunk.Seq)
		return nil
	}

	a.memory.Delta(mctx.Correlate, chunk.Seq, chunk.Delta)
	if chunk.Final {
		a.memory.EndStream(mctx.Correlate)
	}
	return a.assembler.OnDelta(ctx, mctx.Correlate, *chunk)
}

// handleResponse forwards a full llm.response to the assembler.
func (a *App) handleResponse(ctx context.Context, mctx *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	text := p.(*contract.LLMResponse).Text
	a.memory.AddAssistant(mctx.Correlate, text)
	return a.assembler.OnResponse(ctx, mctx.Correlate, text)
}

// handleCancel tears down assembly for a cancelled correlation. This also
// catches cancels issued by other services.
func (a *App) handleCancel(ctx context.Context, mctx *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	reason := p.(*contract.LLMCancel).Reason
	if reason == "" {
		reason = "cancelled"
	}
	a.memory.Abort(mctx.Correlate)
	return a.assembler.Cancel(ctx, mctx.Correlate, reason)
}

// handleTTSStatus feeds playback transitions into the wake machine.
func (a *App) handleTTSStatus(ctx context.Context, _ *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	return a.machine.OnTTSStatus(ctx, p.(*contract.TTSStatus).Event)
}

// handleHealth records a peer's retained health status.
func (a *App) handleHealth(ctx context.Context, mctx *dispatch.Ctx, env *contract.Envelope) error {
	service := broker.ServiceFromHealthTopic(mctx.Topic)
	if service == "" {
		return fmt.Errorf("app: malformed health topic %q", mctx.Topic)
	}
	if service == a.cfg.ServiceName {
		return nil // our own retained record
	}

	p, err := env.Payload()
	if err != nil {
		return err
	}
	status := p.(*contract.HealthStatus)
	a.registry.Update(service, status.OK, status.Event, status.Err)
	a.metrics.RecordServiceHealth(ctx, service, status.OK)
	return nil
}

// onTombstone reacts to a retained topic being cleared. A cleared health
// record means the service deregistered (or an operator wiped it); the
// registry marks it gone so routing stops trusting it.
func (a *App) onTombstone(_ context.Context, topic string) {
	service := broker.ServiceFromHealthTopic(topic)
	if service == "" || service == a.cfg.ServiceName {
		return
	}
	a.registry.MarkGone(service)
	slog.Info("retained health record cleared", "service", service)
}

// handleCharacter mirrors the retained active persona.
func (a *App) handleCharacter(_ context.Context, mctx *dispatch.Ctx, env *contract.Envelope) error {
	p, err := env.Payload()
	if err != nil {
		return err
	}
	char := p.(*contract.CharacterCurrent)

	a.charMu.Lock()
	a.character = *char
	a.charMu.Unlock()

	mctx.Logger.Info("active character updated", "name", char.Name, "voice", char.Voice)
	return nil
}
