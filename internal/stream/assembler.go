// Package stream assembles llm.stream deltas into sentence-sized tts.say
// segments, published strictly in order per correlation.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/observe"
)

// OverflowPolicy selects what happens when a correlation's segment queue
// is full.
type OverflowPolicy string

const (
	// OverflowDrop discards the newest segment and counts it as dropped.
	OverflowDrop OverflowPolicy = "drop"

	// OverflowBlock makes the producer wait for queue space, up to
	// blockPatience; a segment still stuck after that is dropped and logged.
	OverflowBlock OverflowPolicy = "block"
)

// blockPatience bounds how long an OverflowBlock producer waits for queue
// space before shedding the segment.
const blockPatience = 3 * time.Second

// Emitter publishes the assembler's output. The supervisor's implementation
// wraps the broker client.
type Emitter interface {
	// Say publishes a tts.say segment for the given correlation.
	Say(ctx context.Context, correlate string, say contract.TTSSay) error

	// StopTTS publishes tts.control{stop} for the given correlation.
	StopTTS(ctx context.Context, correlate string) error
}

// Config tunes an [Assembler].
type Config struct {
	// Enabled turns delta assembly on. When false, only full llm.response
	// payloads are forwarded (each as a single tts.say).
	Enabled bool

	// MinChars is the smallest segment flushed at a sentence boundary.
	// Default: 60.
	MinChars int

	// EagerFlush flushes any accumulation of MinChars or more at the
	// nearest word break instead of waiting for a sentence boundary.
	EagerFlush bool

	// MaxChars force-flushes a boundary-less accumulation. Default: 400.
	MaxChars int

	// QueueDepth bounds each correlation's pending-segment FIFO.
	// Default: 16.
	QueueDepth int

	// Overflow selects the full-queue behavior. Default: [OverflowDrop].
	Overflow OverflowPolicy

	// ReorderWindow is how many out-of-order deltas are buffered before a
	// sequence gap is declared and skipped. Default: 8.
	ReorderWindow int

	// ReorderPatience bounds how long a buffered out-of-order delta waits
	// for the gap to fill before the gap is declared anyway. Without it, a
	// final chunk buffered behind one lost delta would stall the session
	// forever. Default: 1s.
	ReorderPatience time.Duration

	// Emitter publishes segments and stop controls. Required.
	Emitter Emitter

	// Metrics is the shared instrument set. Required.
	Metrics *observe.Metrics
}

type segment struct {
	text string
	last bool
}

// session is the per-correlation assembly state. All fields are guarded by
// the assembler mutex; only queue and stop are touched by the publisher
// goroutine.
type session struct {
	correlate string
	nextSeq   int
	pending   map[int]string // out-of-order deltas keyed by seq
	buf       strings.Builder
	queue     chan segment
	stop      chan struct{} // closed on cancel
	lastFlush time.Time
	finalSeen bool
	closing   bool // finishLocked in progress; no further intake

	// gapTimer fires when a buffered out-of-order delta has waited past
	// ReorderPatience, forcing the gap to be declared.
	gapTimer *time.Timer

	// sendMu serialises blocking sends for this correlation. It is taken
	// while the assembler mutex is still held, so a second producer cannot
	// slip its segment into the queue ahead of an earlier one.
	sendMu sync.Mutex
}

// recentSet remembers the last cap keys seen, evicting oldest-first.
type recentSet struct {
	set  map[string]struct{}
	ring []string
	cap  int
}

func newRecentSet(cap int) *recentSet {
	return &recentSet{set: make(map[string]struct{}), cap: cap}
}

func (r *recentSet) has(k string) bool {
	_, ok := r.set[k]
	return ok
}

func (r *recentSet) add(k string) {
	if r.has(k) {
		return
	}
	if len(r.ring) >= r.cap {
		oldest := r.ring[0]
		r.ring = r.ring[1:]
		delete(r.set, oldest)
	}
	r.set[k] = struct{}{}
	r.ring = append(r.ring, k)
}

// Assembler turns token deltas into speakable segments. One publisher
// goroutine per live correlation drains that correlation's queue, so
// segments reach the bus in assembly order.
type Assembler struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	// finished holds correlations whose stream completed normally, so a
	// straggler delta cannot reopen them. stopped holds correlations
	// already issued a tts stop, so a cancel arriving twice (once from the
	// wake machine, once reflected off the bus) stays idempotent.
	finished *recentSet
	stopped  *recentSet

	wg sync.WaitGroup
}

// New creates an [Assembler].
func New(cfg Config) *Assembler {
	if cfg.MinChars <= 0 {
		cfg.MinChars = 60
	}
	if cfg.MaxChars < cfg.MinChars {
		cfg.MaxChars = 400
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDrop
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 8
	}
	if cfg.ReorderPatience <= 0 {
		cfg.ReorderPatience = time.Second
	}
	return &Assembler{
		cfg:      cfg,
		sessions: make(map[string]*session),
		finished: newRecentSet(128),
		stopped:  newRecentSet(128),
	}
}

// OnDelta ingests one llm.stream chunk for the given correlation. Deltas
// arriving out of order are buffered within the reorder window; a gap wider
// than the window is skipped with a warning rather than stalling speech.
func (a *Assembler) OnDelta(ctx context.Context, correlate string, chunk contract.LLMStream) error {
	if !a.cfg.Enabled {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped.has(correlate) || a.finished.has(correlate) {
		return nil // straggler from a cancelled or completed response
	}

	s := a.sessions[correlate]
	if s == nil {
		s = a.openLocked(correlate)
	}
	if s.closing {
		return nil
	}

	logger := observe.Logger(correlate)

	switch {
	case chunk.Seq < s.nextSeq:
		logger.Debug("dropping stale stream chunk", "seq", chunk.Seq, "next", s.nextSeq)
		a.cfg.Metrics.StreamChunksDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", "stale_seq")))
		return nil
	case chunk.Seq > s.nextSeq:
		s.pending[chunk.Seq] = chunk.Delta
		if chunk.Final {
			s.finalSeen = true
		}
		if len(s.pending) <= a.cfg.ReorderWindow {
			a.armGapLocked(s)
			return nil
		}
		chunk = a.skipGapLocked(ctx, s, "seq_gap")
	}

	final := a.appendLocked(s, chunk)
	final = a.drainPendingLocked(s, final)
	if final {
		a.finishLocked(ctx, s)
		return nil
	}
	a.flushReadyLocked(ctx, s)
	a.armGapLocked(s)
	return nil
}

// OnResponse forwards a complete llm.response text as a single tts.say.
// This is the path taken when streaming is disabled, and also handles
// providers that only ever emit full responses.
func (a *Assembler) OnResponse(ctx context.Context, correlate, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	a.mu.Lock()
	if a.stopped.has(correlate) {
		a.mu.Unlock()
		return nil
	}
	if a.cfg.Enabled && (a.sessions[correlate] != nil || a.finished.has(correlate)) {
		// Deltas already carried this response; the full-text reflection
		// is redundant.
		a.mu.Unlock()
		return nil
	}
	a.finished.add(correlate)
	a.mu.Unlock()

	say := contract.TTSSay{
		Text:        text,
		UtteranceID: uuid.NewString(),
		IsLast:      true,
	}
	a.cfg.Metrics.StreamChunksFlushed.Add(ctx, 1, metric.WithAttributes(observe.Attr("mode", "full")))
	return a.cfg.Emitter.Say(ctx, correlate, say)
}

// Cancel tears down any assembly state for correlate and issues exactly one
// tts.control{stop}, no matter how many times it is called or whether any
// deltas ever arrived.
func (a *Assembler) Cancel(ctx context.Context, correlate, reason string) error {
	a.mu.Lock()
	if a.stopped.has(correlate) {
		a.mu.Unlock()
		return nil
	}
	a.stopped.add(correlate)
	if s := a.sessions[correlate]; s != nil {
		delete(a.sessions, correlate)
		if s.gapTimer != nil {
			s.gapTimer.Stop()
		}
		close(s.stop)
	}
	a.mu.Unlock()

	observe.Logger(correlate).Info("response cancelled", "reason", reason)
	return a.cfg.Emitter.StopTTS(ctx, correlate)
}

// Shutdown waits for all publisher goroutines to drain, up to ctx.
func (a *Assembler) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	for correlate, s := range a.sessions {
		delete(a.sessions, correlate)
		if s.gapTimer != nil {
			s.gapTimer.Stop()
		}
		close(s.stop)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Internals ────────────────────────────────────────────────────────────────

func (a *Assembler) openLocked(correlate string) *session {
	s := &session{
		correlate: correlate,
		nextSeq:   1,
		pending:   make(map[int]string),
		queue:     make(chan segment, a.cfg.QueueDepth),
		stop:      make(chan struct{}),
		lastFlush: time.Now(),
	}
	a.sessions[correlate] = s
	a.wg.Add(1)
	go a.publish(s)
	return s
}

// appendLocked consumes one in-order chunk and reports whether it was final.
func (a *Assembler) appendLocked(s *session, chunk contract.LLMStream) bool {
	s.buf.WriteString(chunk.Delta)
	s.nextSeq = chunk.Seq + 1
	return chunk.Final
}

// drainPendingLocked consumes buffered deltas that are now consecutive with
// nextSeq, reporting whether the final chunk was reached.
func (a *Assembler) drainPendingLocked(s *session, final bool) bool {
	for !final {
		delta, ok := s.pending[s.nextSeq]
		if !ok {
			break
		}
		seq := s.nextSeq
		delete(s.pending, seq)
		final = a.appendLocked(s, contract.LLMStream{
			Seq:   seq,
			Delta: delta,
			Final: s.finalSeen && len(s.pending) == 0,
		})
	}
	return final
}

// skipGapLocked declares the current sequence gap lost and resumes at the
// oldest buffered delta, returning it as the next in-order chunk.
func (a *Assembler) skipGapLocked(ctx context.Context, s *session, reason string) contract.LLMStream {
	lowest := 0
	for seq := range s.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	observe.Logger(s.correlate).Warn("stream sequence gap, skipping ahead",
		"expected", s.nextSeq, "resuming_at", lowest, "reason", reason)
	a.cfg.Metrics.StreamChunksDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", reason)))
	s.nextSeq = lowest
	chunk := contract.LLMStream{Seq: lowest, Delta: s.pending[lowest], Final: s.finalSeen && len(s.pending) == 1}
	delete(s.pending, lowest)
	return chunk
}

// armGapLocked keeps the reorder-patience timer in step with the pending
// buffer: running while a gap exists, stopped once it fills.
func (a *Assembler) armGapLocked(s *session) {
	if len(s.pending) == 0 {
		if s.gapTimer != nil {
			s.gapTimer.Stop()
			s.gapTimer = nil
		}
		return
	}
	if s.gapTimer == nil {
		s.gapTimer = time.AfterFunc(a.cfg.ReorderPatience, func() { a.onGapExpired(s.correlate) })
	}
}

// onGapExpired fires when buffered out-of-order deltas have waited past
// ReorderPatience. The gap is declared lost so a dead producer cannot leave
// the session speechless with its tail buffered.
func (a *Assembler) onGapExpired(correlate string) {
	ctx := context.Background()

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sessions[correlate]
	if s == nil || s.closing {
		return
	}
	s.gapTimer = nil
	if len(s.pending) == 0 {
		return
	}

	chunk := a.skipGapLocked(ctx, s, "gap_timeout")
	final := a.appendLocked(s, chunk)
	final = a.drainPendingLocked(s, final)
	if final {
		a.finishLocked(ctx, s)
		return
	}
	a.flushReadyLocked(ctx, s)
	a.armGapLocked(s)
}

// flushReadyLocked flushes every complete sentence at or past MinChars, and
// force-flushes when the accumulation exceeds MaxChars without a usable
// boundary. No flushed segment ever exceeds MaxChars.
func (a *Assembler) flushReadyLocked(ctx context.Context, s *session) {
	for {
		text := s.buf.String()
		b := firstSentenceBoundary(text)
		switch {
		case a.cfg.EagerFlush && len(text) >= a.cfg.MinChars:
			cut := b
			if cut < 0 || cut > a.cfg.MaxChars {
				cut = forcedCut(text, min(len(text), a.cfg.MaxChars))
			}
			a.emitLocked(ctx, s, text[:cut], text[cut:], false)
		case b > a.cfg.MaxChars:
			// The first sentence alone blows the cap; split it at a word
			// break rather than hand tts an oversized segment.
			cut := forcedCut(text, a.cfg.MaxChars)
			a.emitLocked(ctx, s, text[:cut], text[cut:], false)
		case b >= a.cfg.MinChars:
			a.emitLocked(ctx, s, text[:b], text[b:], false)
		case b >= 0 && len(text) >= a.cfg.MaxChars:
			// Boundary exists but sits before MinChars; past MaxChars we
			// flush through it anyway.
			a.emitLocked(ctx, s, text[:b], text[b:], false)
		case b < 0 && len(text) >= a.cfg.MaxChars:
			cut := forcedCut(text, a.cfg.MaxChars)
			a.emitLocked(ctx, s, text[:cut], text[cut:], false)
		default:
			return
		}
	}
}

// finishLocked flushes the tail and retires the session. The last segment
// with any text carries is_last; a separate empty marker goes out only when
// the stream ends with nothing left to speak.
func (a *Assembler) finishLocked(ctx context.Context, s *session) {
	s.closing = true
	for {
		text := s.buf.String()
		cut := firstSentenceBoundary(text)
		if len(text) > a.cfg.MaxChars && (cut < 0 || cut > a.cfg.MaxChars) {
			cut = forcedCut(text, a.cfg.MaxChars)
		}
		if cut <= 0 || cut >= len(text) {
			break
		}
		a.emitLocked(ctx, s, text[:cut], text[cut:], false)
	}
	a.emitLocked(ctx, s, s.buf.String(), "", true)

	if s.gapTimer != nil {
		s.gapTimer.Stop()
		s.gapTimer = nil
	}
	delete(a.sessions, s.correlate)
	a.finished.add(s.correlate)
	close(s.queue)
}

// emitLocked hands one segment to the publisher queue, honoring the
// overflow policy. Segment text is passed through byte-for-byte: the spoken
// stream concatenates back to exactly the deltas that arrived. A final
// marker is always delivered even with empty text so downstream knows the
// utterance is complete.
func (a *Assembler) emitLocked(ctx context.Context, s *session, text, rest string, last bool) {
	s.buf.Reset()
	s.buf.WriteString(rest)

	if text == "" && !last {
		return
	}

	now := time.Now()
	a.cfg.Metrics.StreamFlushInterval.Record(ctx, now.Sub(s.lastFlush).Seconds())
	s.lastFlush = now

	seg := segment{text: text, last: last}
	if a.cfg.Overflow == OverflowBlock {
		// Claim the send slot before releasing the state lock, so a
		// producer for the next segment cannot overtake this one while we
		// wait for queue space.
		s.sendMu.Lock()
		a.mu.Unlock()

		patience := time.NewTimer(blockPatience)
		select {
		case s.queue <- seg:
			a.cfg.Metrics.StreamQueueDepth.Add(ctx, 1)
		case <-s.stop:
		case <-patience.C:
			a.dropFull(ctx, s, seg)
		case <-ctx.Done():
			observe.Logger(s.correlate).Warn("segment publish abandoned", "err", ctx.Err())
			a.cfg.Metrics.StreamChunksDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", "cancelled")))
		}
		patience.Stop()

		s.sendMu.Unlock()
		a.mu.Lock()
		return
	}

	select {
	case s.queue <- seg:
		a.cfg.Metrics.StreamQueueDepth.Add(ctx, 1)
	default:
		a.dropFull(ctx, s, seg)
	}
}

// dropFull processes a segment that found no queue space. An
// end-of-utterance marker is never lost: the oldest queued segment is shed
// to make room for it.
func (a *Assembler) dropFull(ctx context.Context, s *session, seg segment) {
	if seg.last {
		select {
		case <-s.queue:
			a.cfg.Metrics.StreamQueueDepth.Add(ctx, -1)
			a.cfg.Metrics.StreamChunksDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", "queue_full")))
		default:
		}
		select {
		case s.queue <- seg:
			a.cfg.Metrics.StreamQueueDepth.Add(ctx, 1)
		default:
		}
		return
	}
	observe.Logger(s.correlate).Warn("segment queue full, dropping", "len", len(seg.text))
	a.cfg.Metrics.StreamChunksDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", "queue_full")))
}

// publish drains one correlation's queue in order.
func (a *Assembler) publish(s *session) {
	defer a.wg.Done()
	ctx := context.Background()
	logger := observe.Logger(s.correlate)

	for {
		select {
		case <-s.stop:
			return
		case seg, ok := <-s.queue:
			if !ok {
				return
			}
			a.cfg.Metrics.StreamQueueDepth.Add(ctx, -1)
			say := contract.TTSSay{
				Text:        seg.text,
				UtteranceID: uuid.NewString(),
				IsLast:      seg.last,
			}
			if err := a.cfg.Emitter.Say(ctx, s.correlate, say); err != nil {
				logger.Error("tts segment publish failed", "err", err)
				continue
			}
			a.cfg.Metrics.StreamChunksFlushed.Add(ctx, 1, metric.WithAttributes(observe.Attr("mode", "delta")))
		}
	}
}

// forcedCut picks a cut point at or before limit, preferring the last space
// so words stay intact.
func forcedCut(text string, limit int) int {
	if limit >= len(text) {
		return len(text)
	}
	if i := strings.LastIndexByte(text[:limit], ' '); i > 0 {
		return i + 1
	}
	return limit
}
