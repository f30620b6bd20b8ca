// Package history keeps the rolling conversation memory that rides along
// with every llm.request. The log is bounded two ways: by turn count and by
// a character budget, with the oldest turns evicted first. There is no
// summarisation pass — the language-model service owns long-term memory; the
// router only carries enough recent turns for the model to resolve pronouns
// and follow-ups.
package history

import (
	"slices"
	"strings"
	"sync"

	"github.com/tars-assistant/router/internal/contract"
)

// Defaults applied by New when the corresponding config value is zero.
const (
	defaultMaxTurns = 16
	defaultMaxChars = 8000
)

// committedCap bounds the ring of correlation ids whose assistant turn has
// already been recorded, so a reflected llm.response after a stream does not
// double-log the reply.
const committedCap = 64

// Config bounds a [Log].
type Config struct {
	// MaxTurns is the maximum number of retained turns. Default 16.
	MaxTurns int

	// MaxChars is the total character budget across all retained turns.
	// Default 8000 — roughly 2000 tokens at the common 4-chars-per-token
	// heuristic.
	MaxChars int
}

// Log is a bounded conversation memory. All methods are safe for concurrent
// use.
type Log struct {
	maxTurns int
	maxChars int

	mu        sync.Mutex
	turns     []contract.ChatMessage
	chars     int
	streams   map[string]map[int]string
	committed []string
}

// New creates an empty Log.
func New(cfg Config) *Log {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	return &Log{
		maxTurns: cfg.MaxTurns,
		maxChars: cfg.MaxChars,
		streams:  make(map[string]map[int]string),
	}
}

// AddUser records a user turn.
func (l *Log) AddUser(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(contract.ChatMessage{Role: "user", Content: text})
}

// AddAssistant records the assistant's reply for correlate. It is idempotent
// per correlation id: a complete llm.response arriving after the streamed
// copy was already committed is ignored.
func (l *Log) AddAssistant(correlate, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addAssistantLocked(correlate, text)
}

// Delta accumulates one llm.stream fragment for correlate, keyed by its
// sequence number so concurrently handled chunks reassemble in order.
// Nothing enters the log until EndStream commits the accumulated text.
func (l *Log) Delta(correlate string, seq int, delta string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	frags, ok := l.streams[correlate]
	if !ok {
		frags = make(map[int]string)
		l.streams[correlate] = frags
	}
	frags[seq] = delta
}

// EndStream commits the deltas accumulated for correlate as one assistant
// turn, joined in sequence order.
func (l *Log) EndStream(correlate string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	frags, ok := l.streams[correlate]
	if !ok {
		return
	}
	delete(l.streams, correlate)

	seqs := make([]int, 0, len(frags))
	for s := range frags {
		seqs = append(seqs, s)
	}
	slices.Sort(seqs)
	var b strings.Builder
	for _, s := range seqs {
		b.WriteString(frags[s])
	}
	l.addAssistantLocked(correlate, b.String())
}

// Abort discards the deltas accumulated for correlate. A cancelled reply is
// not part of the conversation.
func (l *Log) Abort(correlate string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, correlate)
}

// Messages returns a copy of the retained turns, oldest first, ready to be
// placed ahead of the next user turn in an llm.request.
func (l *Log) Messages() []contract.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contract.ChatMessage, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of retained turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Reset clears all turns and any accumulating streams. Called when a wake
// session expires: the next wake starts a fresh conversation.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = l.turns[:0]
	l.chars = 0
	l.streams = make(map[string]map[int]string)
	l.committed = l.committed[:0]
}

func (l *Log) addAssistantLocked(correlate, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for _, id := range l.committed {
		if id == correlate {
			return
		}
	}
	l.committed = append(l.committed, correlate)
	if len(l.committed) > committedCap {
		l.committed = l.committed[len(l.committed)-committedCap:]
	}
	l.appendLocked(contract.ChatMessage{Role: "assistant", Content: text})
}

func (l *Log) appendLocked(m contract.ChatMessage) {
	l.turns = append(l.turns, m)
	l.chars += len(m.Content)
	for len(l.turns) > l.maxTurns || (l.chars > l.maxChars && len(l.turns) > 1) {
		l.chars -= len(l.turns[0].Content)
		l.turns = l.turns[1:]
	}
}
