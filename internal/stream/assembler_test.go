package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/observe"
)

type fakeEmitter struct {
	mu    sync.Mutex
	says  []contract.TTSSay
	corrs []string
	stops []string
}

func (f *fakeEmitter) Say(_ context.Context, correlate string, say contract.TTSSay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.says = append(f.says, say)
	f.corrs = append(f.corrs, correlate)
	return nil
}

func (f *fakeEmitter) StopTTS(_ context.Context, correlate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, correlate)
	return nil
}

func (f *fakeEmitter) saySnapshot() []contract.TTSSay {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]contract.TTSSay, len(f.says))
	copy(out, f.says)
	return out
}

func (f *fakeEmitter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newAssembler(t *testing.T, cfg Config) (*Assembler, *fakeEmitter) {
	t.Helper()
	em := &fakeEmitter{}
	cfg.Emitter = em
	cfg.Metrics = testMetrics(t)
	a := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, em
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func TestDeltasFlushAtSentenceBoundary(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 10, MaxChars: 200})
	ctx := context.Background()

	deltas := []string{"The core is onl", "ine. All systems ", "nominal."}
	for i, d := range deltas {
		err := a.OnDelta(ctx, "corr-1", contract.LLMStream{
			Seq: i + 1, Delta: d, Final: i == len(deltas)-1,
		})
		if err != nil {
			t.Fatalf("OnDelta(%d): %v", i, err)
		}
	}

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "final segment published")

	says := em.saySnapshot()
	var joined strings.Builder
	for _, s := range says {
		joined.WriteString(s.Text)
		if s.UtteranceID == "" {
			t.Error("segment missing utterance id")
		}
	}
	got := joined.String()
	want := strings.Join(deltas, "")
	if got != want {
		t.Errorf("assembled text = %q, want %q", got, want)
	}
	if says[0].Text != "The core is online." {
		t.Errorf("first segment = %q, want sentence-bounded flush", says[0].Text)
	}
	for i, s := range says {
		if s.IsLast != (i == len(says)-1) {
			t.Errorf("segment %d IsLast = %v", i, s.IsLast)
		}
	}
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5, MaxChars: 200, ReorderWindow: 4})
	ctx := context.Background()

	// Seq 2 before seq 1; both must come out in order.
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 2, Delta: "two. ", Final: true})
	if got := em.saySnapshot(); len(got) != 0 {
		t.Fatalf("out-of-order chunk flushed early: %v", got)
	}
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "One "})

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "reordered stream completed")

	var text strings.Builder
	for _, s := range em.saySnapshot() {
		text.WriteString(s.Text)
	}
	if got := text.String(); got != "One two. " {
		t.Errorf("assembled text = %q, want %q", got, "One two. ")
	}
}

func TestSequenceGapSkipsAhead(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5, MaxChars: 200, ReorderWindow: 2})
	ctx := context.Background()

	// Seq 1 never arrives; 3, 4, 5 overflow the window and force a skip.
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 3, Delta: "resumed "})
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 4, Delta: "here."})
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 5, Delta: " Done.", Final: true})

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "gapped stream completed")

	var text strings.Builder
	for _, s := range em.saySnapshot() {
		text.WriteString(s.Text)
	}
	if got := text.String(); !strings.Contains(got, "resumed here.") {
		t.Errorf("assembled text = %q, want the post-gap deltas", got)
	}
}

func TestStaleSeqDropped(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5, MaxChars: 200})
	ctx := context.Background()

	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "First. "})
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "Duplicate. "})
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 2, Delta: "Second.", Final: true})

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "stream completed")

	for _, s := range em.saySnapshot() {
		if strings.Contains(s.Text, "Duplicate") {
			t.Errorf("duplicate seq reached output: %q", s.Text)
		}
	}
}

func TestMaxCharsForcesFlush(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 10, MaxChars: 40})
	ctx := context.Background()

	long := strings.Repeat("word ", 20) // 100 chars, no sentence boundary
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: long})

	waitFor(t, func() bool { return len(em.saySnapshot()) >= 1 }, "forced flush")
	if got := em.saySnapshot()[0].Text; len(got) > 40 {
		t.Errorf("forced segment length = %d, want <= 40", len(got))
	}
}

func TestEagerFlushSkipsBoundaryWait(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, EagerFlush: true, MinChars: 10, MaxChars: 200})
	ctx := context.Background()

	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "no terminator here yet"})
	waitFor(t, func() bool { return len(em.saySnapshot()) >= 1 }, "eager flush without boundary")
}

func TestCancelStopsExactlyOnce(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5, MaxChars: 200})
	ctx := context.Background()

	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "Partial sente"})

	if err := a.Cancel(ctx, "corr-1", "wake_interrupt"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Second cancel (the bus reflection) must be a no-op.
	if err := a.Cancel(ctx, "corr-1", "wake_interrupt"); err != nil {
		t.Fatalf("Cancel (repeat): %v", err)
	}
	if got := em.stopCount(); got != 1 {
		t.Fatalf("stop count = %d, want exactly 1", got)
	}

	// Stragglers after cancel are discarded.
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 2, Delta: "nce.", Final: true})
	time.Sleep(20 * time.Millisecond)
	for _, s := range em.saySnapshot() {
		if strings.Contains(s.Text, "nce.") {
			t.Errorf("post-cancel delta reached output: %q", s.Text)
		}
	}
}

func TestCancelWithoutSessionStillStops(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true})
	ctx := context.Background()

	if err := a.Cancel(ctx, "corr-unseen", "user_cancel"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := em.stopCount(); got != 1 {
		t.Errorf("stop count = %d, want 1", got)
	}
}

func TestDisabledForwardsFullResponse(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: false})
	ctx := context.Background()

	// Deltas are ignored entirely when assembly is off.
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "ignored", Final: true})
	if err := a.OnResponse(ctx, "corr-1", "Complete answer."); err != nil {
		t.Fatalf("OnResponse: %v", err)
	}

	says := em.saySnapshot()
	if len(says) != 1 {
		t.Fatalf("say count = %d, want 1", len(says))
	}
	if says[0].Text != "Complete answer." || !says[0].IsLast {
		t.Errorf("forwarded say = %+v", says[0])
	}
}

func TestResponseRedundantAfterStream(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5})
	ctx := context.Background()

	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "Streamed answer.", Final: true})
	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "stream completed")
	before := len(em.saySnapshot())

	// The provider also publishes the assembled full text; it must not be
	// spoken twice.
	if err := a.OnResponse(ctx, "corr-1", "Streamed answer."); err != nil {
		t.Fatalf("OnResponse: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(em.saySnapshot()); got != before {
		t.Errorf("say count after redundant response = %d, want %d", got, before)
	}
}

func TestConcurrentCorrelations(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, corr := range []string{"corr-a", "corr-b", "corr-c"} {
		corr := corr
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.OnDelta(ctx, corr, contract.LLMStream{Seq: 1, Delta: "Hello from " + corr + "."})
			_ = a.OnDelta(ctx, corr, contract.LLMStream{Seq: 2, Delta: " Bye.", Final: true})
		}()
	}
	wg.Wait()

	waitFor(t, func() bool {
		lasts := 0
		for _, s := range em.saySnapshot() {
			if s.IsLast {
				lasts++
			}
		}
		return lasts == 3
	}, "all three streams completed")
}

func TestSegmentsConcatenateToDeltas(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5, MaxChars: 200})
	ctx := context.Background()

	// Inter-sentence spaces belong to the following segment and must
	// survive the trip byte-for-byte.
	deltas := []string{"Hel", "lo the", "re.", " How ", "are you", " today?", " I", " am", " we", "ll."}
	for i, d := range deltas {
		_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{
			Seq: i + 1, Delta: d, Final: i == len(deltas)-1,
		})
	}

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "stream completed")

	says := em.saySnapshot()
	wantTexts := []string{"Hello there.", " How are you today?", " I am well."}
	if len(says) != len(wantTexts) {
		t.Fatalf("say count = %d, want %d: %+v", len(says), len(wantTexts), says)
	}
	var got strings.Builder
	for i, s := range says {
		got.WriteString(s.Text)
		if s.Text != wantTexts[i] {
			t.Errorf("segment %d = %q, want %q", i, s.Text, wantTexts[i])
		}
		if s.IsLast != (i == len(says)-1) {
			t.Errorf("segment %d IsLast = %v", i, s.IsLast)
		}
	}
	if want := strings.Join(deltas, ""); got.String() != want {
		t.Errorf("concatenated output = %q, want %q", got.String(), want)
	}
}

func TestDecimalNumberSpansDeltas(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 5, MaxChars: 200})
	ctx := context.Background()

	// The period after "3" sits at the buffer edge; the fraction arrives in
	// the next delta and the number must be spoken whole.
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: "The value of pi is 3."})
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 2, Delta: "14159 exactly.", Final: true})

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "stream completed")

	says := em.saySnapshot()
	if len(says) != 1 {
		t.Fatalf("say count = %d, want 1: %+v", len(says), says)
	}
	if want := "The value of pi is 3.14159 exactly."; says[0].Text != want {
		t.Errorf("segment = %q, want %q", says[0].Text, want)
	}
}

func TestLongSentenceSplitAtCap(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{Enabled: true, MinChars: 10, MaxChars: 40})
	ctx := context.Background()

	// First sentence boundary lies well past MaxChars; no flushed segment
	// may exceed the cap regardless.
	long := strings.Repeat("word ", 16) + "stop. tail"
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 1, Delta: long})

	waitFor(t, func() bool { return len(em.saySnapshot()) >= 2 }, "capped flushes")
	for i, s := range em.saySnapshot() {
		if len(s.Text) > 40 {
			t.Errorf("segment %d length = %d, want <= 40", i, len(s.Text))
		}
	}
}

func TestOrphanedFinalFlushesAfterPatience(t *testing.T) {
	t.Parallel()
	a, em := newAssembler(t, Config{
		Enabled: true, MinChars: 5, MaxChars: 200,
		ReorderWindow: 8, ReorderPatience: 30 * time.Millisecond,
	})
	ctx := context.Background()

	// Seq 1 is lost and the producer is gone; the buffered final must still
	// come out once the reorder patience runs down.
	_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: 2, Delta: "tail end.", Final: true})

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "orphaned final flushed")

	says := em.saySnapshot()
	if got := says[len(says)-1].Text; got != "tail end." {
		t.Errorf("flushed tail = %q, want %q", got, "tail end.")
	}
}

// slowEmitter delays each Say so the segment queue backs up.
type slowEmitter struct {
	fakeEmitter
	delay time.Duration
}

func (e *slowEmitter) Say(ctx context.Context, correlate string, say contract.TTSSay) error {
	time.Sleep(e.delay)
	return e.fakeEmitter.Say(ctx, correlate, say)
}

func TestBlockOverflowKeepsOrder(t *testing.T) {
	t.Parallel()
	em := &slowEmitter{delay: 5 * time.Millisecond}
	a := New(Config{
		Enabled: true, MinChars: 2, MaxChars: 200,
		QueueDepth: 1, Overflow: OverflowBlock,
		Emitter: em, Metrics: testMetrics(t),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	ctx := context.Background()

	deltas := []string{"One. ", "Two. ", "Three. ", "Four. ", "Five. ", "Six. ", "Seven. ", "End."}
	for i, d := range deltas {
		_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{
			Seq: i + 1, Delta: d, Final: i == len(deltas)-1,
		})
	}

	waitFor(t, func() bool {
		says := em.saySnapshot()
		return len(says) >= 1 && says[len(says)-1].IsLast
	}, "backed-up stream drained")

	var got strings.Builder
	for _, s := range em.saySnapshot() {
		got.WriteString(s.Text)
	}
	if want := strings.Join(deltas, ""); got.String() != want {
		t.Errorf("drained output = %q, want %q", got.String(), want)
	}
}

// gatedEmitter parks every Say until the gate is released.
type gatedEmitter struct {
	fakeEmitter
	gate chan struct{}
}

func (e *gatedEmitter) Say(ctx context.Context, correlate string, say contract.TTSSay) error {
	<-e.gate
	return e.fakeEmitter.Say(ctx, correlate, say)
}

func TestCancelUnblocksWaitingProducer(t *testing.T) {
	t.Parallel()
	em := &gatedEmitter{gate: make(chan struct{})}
	a := New(Config{
		Enabled: true, MinChars: 2, MaxChars: 200,
		QueueDepth: 1, Overflow: OverflowBlock,
		Emitter: em, Metrics: testMetrics(t),
	})
	defer close(em.gate)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	ctx := context.Background()

	// With the publisher parked and the queue full, the third flush leaves
	// the producer waiting for space.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, d := range []string{"One. ", "Two. ", "Three. "} {
			_ = a.OnDelta(ctx, "corr-1", contract.LLMStream{Seq: i + 1, Delta: d})
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := a.Cancel(ctx, "corr-1", "user_cancel"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after cancel")
	}
	if got := em.stopCount(); got != 1 {
		t.Errorf("stop count = %d, want 1", got)
	}
}
