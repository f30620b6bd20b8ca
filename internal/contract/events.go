package contract

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event type names recognised by the router core. Producers and consumers
// refer to these constants rather than string literals.
const (
	TypeSTTPartial  = "stt.partial"
	TypeSTTFinal    = "stt.final"
	TypeSTTAudioFFT = "stt.audio_fft"

	TypeWakeEvent = "wake.event"
	TypeWakeMic   = "wake.mic"

	TypeLLMRequest  = "llm.request"
	TypeLLMResponse = "llm.response"
	TypeLLMStream   = "llm.stream"
	TypeLLMCancel   = "llm.cancel"

	TypeTTSSay     = "tts.say"
	TypeTTSStatus  = "tts.status"
	TypeTTSControl = "tts.control"

	TypeMemoryQuery  = "memory.query"
	TypeMemoryResult = "memory.result"

	TypeCharacterGet     = "character.get"
	TypeCharacterCurrent = "character.current"

	TypeHealthStatus = "health.status"
	TypeConfigUpdate = "config.update"
)

// ─── Typed data records ───────────────────────────────────────────────────────

// STTFinal is the data record of "stt.final" (and, with IsFinal unset,
// "stt.partial").
type STTFinal struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Lang       string  `json:"lang,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
}

// AudioFFT carries a coarse spectrum snapshot for UI visualisation.
type AudioFFT struct {
	Bins []float64 `json:"bins"`
}

// WakeEventType enumerates the recognised wake event kinds.
const (
	WakeTypeWake    = "wake"
	WakeTypeTimeout = "timeout"
)

// WakeEvent is the data record of "wake.event".
type WakeEvent struct {
	Type       string  `json:"type"`
	Cause      string  `json:"cause,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
}

// Microphone gating actions.
const (
	MicMute   = "mute"
	MicUnmute = "unmute"
)

// WakeMic is the data record of "wake.mic", gating the remote microphone.
type WakeMic struct {
	Action string `json:"action"`
	TTLMs  int64  `json:"ttl_ms,omitempty"`
}

// ChatMessage is one turn in an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest is the data record of "llm.request".
type LLMRequest struct {
	Messages []ChatMessage `json:"messages"`
	System   string        `json:"system,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
	Tools    []string      `json:"tools,omitempty"`
}

// LLMResponse is the data record of "llm.response": a complete, unstreamed
// reply.
type LLMResponse struct {
	Text string `json:"text"`
}

// LLMStream is the data record of "llm.stream": one token delta of a streamed
// reply. Seq starts at 1 and is monotonic per correlation; the terminal delta
// carries Final=true and may have an empty Delta.
type LLMStream struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta"`
	Final bool   `json:"final,omitempty"`
}

// LLMCancel is the data record of "llm.cancel".
type LLMCancel struct {
	Reason string `json:"reason,omitempty"`
}

// TTSSay is the data record of "tts.say": one synthesis request.
type TTSSay struct {
	Text        string `json:"text"`
	UtteranceID string `json:"utterance_id"`
	Voice       string `json:"voice,omitempty"`
	IsLast      bool   `json:"is_last,omitempty"`
}

// TTS playback lifecycle events.
const (
	TTSSpeakingStart = "speaking_start"
	TTSSpeakingEnd   = "speaking_end"
	TTSError         = "error"
)

// TTSStatus is the data record of "tts.status".
type TTSStatus struct {
	Event       string `json:"event"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// TTS control actions.
const (
	TTSActionStop   = "stop"
	TTSActionPause  = "pause"
	TTSActionResume = "resume"
)

// TTSControl is the data record of "tts.control".
type TTSControl struct {
	Action string `json:"action"`
}

// MemoryQuery is the data record of "memory.query".
type MemoryQuery struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// MemoryResult is the data record of "memory.result".
type MemoryResult struct {
	Chunks []string `json:"chunks"`
}

// CharacterGet is the data record of "character.get".
type CharacterGet struct {
	Name string `json:"name,omitempty"`
}

// CharacterCurrent is the data record of the retained "character.current"
// topic: the persona the assistant is currently speaking as.
type CharacterCurrent struct {
	Name   string `json:"name"`
	System string `json:"system,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

// HealthStatus is the data record of "health.status", published retained on
// system/health/<service> by every peer.
type HealthStatus struct {
	OK    bool   `json:"ok"`
	Event string `json:"event,omitempty"`
	Err   string `json:"err,omitempty"`
}

// ConfigUpdate is the data record of "config.update": a partial settings
// override pushed at runtime.
type ConfigUpdate struct {
	Settings map[string]any `json:"settings"`
}

// ─── Registry ─────────────────────────────────────────────────────────────────

type registryEntry struct {
	decode func(json.RawMessage) (any, error)
}

// decodeInto is the common strict-decode step: unknown fields are tolerated
// (schemas are additive) but type mismatches are not.
func decodeInto[T any](validate func(*T) error) func(json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if validate != nil {
			if err := validate(&v); err != nil {
				return nil, err
			}
		}
		return &v, nil
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q is not one of %v", field, value, allowed)
}

// registry maps event type names to their decode+validate functions. The set
// is fixed at init; there is no runtime registration.
var registry = map[string]registryEntry{
	TypeSTTPartial: {decodeInto[STTFinal](nil)},
	TypeSTTFinal: {decodeInto(func(v *STTFinal) error {
		if !v.IsFinal {
			return errors.New("is_final must be true")
		}
		return nil
	})},
	TypeSTTAudioFFT: {decodeInto[AudioFFT](nil)},

	TypeWakeEvent: {decodeInto(func(v *WakeEvent) error {
		return oneOf("type", v.Type, WakeTypeWake, WakeTypeTimeout)
	})},
	TypeWakeMic: {decodeInto(func(v *WakeMic) error {
		return oneOf("action", v.Action, MicMute, MicUnmute)
	})},

	TypeLLMRequest: {decodeInto(func(v *LLMRequest) error {
		if len(v.Messages) == 0 {
			return errors.New("messages must not be empty")
		}
		for i, m := range v.Messages {
			if m.Role == "" {
				return fmt.Errorf("messages[%d].role is required", i)
			}
		}
		return nil
	})},
	TypeLLMResponse: {decodeInto[LLMResponse](nil)},
	TypeLLMStream: {decodeInto(func(v *LLMStream) error {
		if v.Seq < 1 {
			return fmt.Errorf("seq %d must be >= 1", v.Seq)
		}
		return nil
	})},
	TypeLLMCancel: {decodeInto[LLMCancel](nil)},

	TypeTTSSay: {decodeInto(func(v *TTSSay) error {
		if v.UtteranceID == "" {
			return errors.New("utterance_id is required")
		}
		return nil
	})},
	TypeTTSStatus: {decodeInto(func(v *TTSStatus) error {
		return oneOf("event", v.Event, TTSSpeakingStart, TTSSpeakingEnd, TTSError)
	})},
	TypeTTSControl: {decodeInto(func(v *TTSControl) error {
		return oneOf("action", v.Action, TTSActionStop, TTSActionPause, TTSActionResume)
	})},

	TypeMemoryQuery: {decodeInto(func(v *MemoryQuery) error {
		if v.Query == "" {
			return errors.New("query is required")
		}
		return nil
	})},
	TypeMemoryResult: {decodeInto[MemoryResult](nil)},

	TypeCharacterGet: {decodeInto[CharacterGet](nil)},
	TypeCharacterCurrent: {decodeInto(func(v *CharacterCurrent) error {
		if v.Name == "" {
			return errors.New("name is required")
		}
		return nil
	})},

	TypeHealthStatus: {decodeInto[HealthStatus](nil)},
	TypeConfigUpdate: {decodeInto(func(v *ConfigUpdate) error {
		if v.Settings == nil {
			return errors.New("settings is required")
		}
		return nil
	})},
}
