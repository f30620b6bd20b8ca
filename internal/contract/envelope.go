// Package contract defines the versioned wire messages exchanged over the
// TARS message bus.
//
// Every payload on the bus is a JSON object conforming to [Envelope]. The
// envelope wraps an event-specific data record; the set of recognised event
// types and their data schemas is fixed at compile time (see events.go).
// Schemas are additive — new fields must be optional. A breaking change to a
// data record requires a new event type with a ".v2" suffix instead.
package contract

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decode and encode failure modes. Callers match these with [errors.Is];
// the wrapped error carries the detail.
var (
	// ErrMalformedEnvelope indicates the bytes are not a valid envelope:
	// broken JSON, missing required fields, or wrongly typed fields.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownEventType indicates a well-formed envelope whose type is not
	// registered in the contract.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrSchemaViolation indicates the envelope's data record does not match
	// the schema registered for its type.
	ErrSchemaViolation = errors.New("schema violation")
)

// Envelope is the universal wire wrapper. The Data field is kept raw until
// [Envelope.Payload] decodes it into the typed record for the envelope's type.
type Envelope struct {
	// ID is a random 128-bit value, hex encoded. It is unique per logical
	// emission; retries reuse the same ID so consumers can deduplicate.
	ID string `json:"id"`

	// Type is the dotted event name, e.g. "stt.final".
	Type string `json:"type"`

	// TS is the emission time in unix seconds.
	TS float64 `json:"ts"`

	// Source is the name of the producing service.
	Source string `json:"source"`

	// Correlate optionally links this message to a logical conversation turn
	// (request → response → stream chunks → utterances).
	Correlate string `json:"correlate,omitempty"`

	// Data is the event-specific record, decoded on demand.
	Data json.RawMessage `json:"data"`
}

// NewID returns a fresh envelope id: 128 random bits, hex encoded.
// IDs are never derived from message content.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Encode wraps data in an [Envelope] with a fresh id and current timestamp
// and serialises it. The correlate may be empty. Encode fails with
// [ErrUnknownEventType] when typ is not registered so that typos are caught
// at the producing side rather than by every consumer.
func Encode(typ, source string, data any, correlate string) ([]byte, error) {
	if _, ok := registry[typ]; !ok {
		return nil, fmt.Errorf("contract: encode %q: %w", typ, ErrUnknownEventType)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("contract: encode %q data: %w", typ, err)
	}
	env := Envelope{
		ID:        NewID(),
		Type:      typ,
		TS:        float64(time.Now().UnixNano()) / float64(time.Second),
		Source:    source,
		Correlate: correlate,
		Data:      raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("contract: encode %q: %w", typ, err)
	}
	return b, nil
}

// Decode parses b into an [Envelope] and verifies the required fields and the
// registration of the event type. The data record is validated lazily by
// [Envelope.Payload].
func Decode(b []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(b, env); err != nil {
		return nil, fmt.Errorf("contract: %w: %w", ErrMalformedEnvelope, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("contract: %w: missing id", ErrMalformedEnvelope)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("contract: %w: missing type", ErrMalformedEnvelope)
	}
	if env.TS == 0 {
		return nil, fmt.Errorf("contract: %w: missing ts", ErrMalformedEnvelope)
	}
	if env.Source == "" {
		return nil, fmt.Errorf("contract: %w: missing source", ErrMalformedEnvelope)
	}
	if _, ok := registry[env.Type]; !ok {
		return nil, fmt.Errorf("contract: type %q: %w", env.Type, ErrUnknownEventType)
	}
	return env, nil
}

// Payload decodes the envelope's data record into the typed struct registered
// for the envelope's type and validates it. The returned value is one of the
// concrete payload types in events.go; callers switch on the type.
func (e *Envelope) Payload() (any, error) {
	entry, ok := registry[e.Type]
	if !ok {
		return nil, fmt.Errorf("contract: type %q: %w", e.Type, ErrUnknownEventType)
	}
	p, err := entry.decode(e.Data)
	if err != nil {
		return nil, fmt.Errorf("contract: type %q: %w: %w", e.Type, ErrSchemaViolation, err)
	}
	return p, nil
}

// Known reports whether typ is a registered event type.
func Known(typ string) bool {
	_, ok := registry[typ]
	return ok
}
