package app

import (
	"context"
	"fmt"
	"time"

	"github.com/tars-assistant/router/internal/broker"
	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/dispatch"
	"github.com/tars-assistant/router/internal/history"
	"github.com/tars-assistant/router/internal/observe"
	"github.com/tars-assistant/router/internal/stream"
	"github.com/tars-assistant/router/internal/wake"
)

// busEmitter publishes the assembler's and wake machine's outbound events as
// envelopes. voice resolves the retained character's voice at publish time.
type busEmitter struct {
	pub     dispatch.Publisher
	source  string
	metrics *observe.Metrics
	voice   func() string
}

var _ stream.Emitter = (*busEmitter)(nil)

func (e *busEmitter) publish(ctx context.Context, topic, typ string, data any, correlate string, qos byte) error {
	payload, err := contract.Encode(typ, e.source, data, correlate)
	if err != nil {
		return fmt.Errorf("app: encode %s: %w", typ, err)
	}
	if err := e.pub.Publish(ctx, topic, payload, qos, false); err != nil {
		e.metrics.RecordPublish(ctx, topic, "error")
		return err
	}
	e.metrics.RecordPublish(ctx, topic, "ok")
	return nil
}

// Say publishes one tts.say segment, stamping the current character voice
// when the segment does not carry one.
func (e *busEmitter) Say(ctx context.Context, correlate string, say contract.TTSSay) error {
	if say.Voice == "" {
		say.Voice = e.voice()
	}
	return e.publish(ctx, broker.TopicTTSSay, contract.TypeTTSSay, say, correlate, 1)
}

// StopTTS publishes tts.control{stop} for the given correlation.
func (e *busEmitter) StopTTS(ctx context.Context, correlate string) error {
	return e.publish(ctx, broker.TopicTTSControl, contract.TypeTTSControl,
		contract.TTSControl{Action: contract.TTSActionStop}, correlate, 1)
}

// wakeEmitter adapts the bus emitter to the wake machine's side effects.
// TTS stops route through the assembler so a wake interrupt and the bus
// reflection of its llm.cancel still produce exactly one tts.control{stop}.
type wakeEmitter struct {
	bus       *busEmitter
	assembler *stream.Assembler
	memory    *history.Log
}

var _ wake.Emitter = (*wakeEmitter)(nil)

func (e *wakeEmitter) MicGate(ctx context.Context, action string, ttl time.Duration) error {
	data := contract.WakeMic{Action: action}
	if action == contract.MicUnmute && ttl > 0 {
		data.TTLMs = ttl.Milliseconds()
	}
	return e.bus.publish(ctx, broker.TopicWakeMic, contract.TypeWakeMic, data, "", 1)
}

func (e *wakeEmitter) StopTTS(ctx context.Context, correlate string) error {
	return e.assembler.Cancel(ctx, correlate, "wake_interrupt")
}

func (e *wakeEmitter) CancelLLM(ctx context.Context, correlate, reason string) error {
	if err := e.bus.publish(ctx, broker.TopicLLMCancel, contract.TypeLLMCancel,
		contract.LLMCancel{Reason: reason}, correlate, 1); err != nil {
		return err
	}
	e.memory.Abort(correlate)
	return e.assembler.Cancel(ctx, correlate, reason)
}

func (e *wakeEmitter) SessionTimeout(ctx context.Context, cause string) error {
	// An expired session ends the conversation; the next wake starts fresh.
	e.memory.Reset()
	return e.bus.publish(ctx, broker.TopicWakeEvent, contract.TypeWakeEvent,
		contract.WakeEvent{Type: contract.WakeTypeTimeout, Cause: cause}, "", 1)
}
