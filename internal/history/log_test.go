package history_test

import (
	"strings"
	"testing"

	"github.com/tars-assistant/router/internal/history"
)

func TestTurnsAccumulateInOrder(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{})

	l.AddUser("what time is it")
	l.AddAssistant("corr-1", "Three fourteen.")
	l.AddUser("and tomorrow")

	msgs := l.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Errorf("roles = %s/%s/%s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if msgs[1].Content != "Three fourteen." {
		t.Errorf("assistant turn = %q", msgs[1].Content)
	}
}

func TestMaxTurnsEvictsOldest(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{MaxTurns: 4})

	for i := 0; i < 6; i++ {
		l.AddUser(strings.Repeat("x", i+1))
	}

	msgs := l.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Content != "xxx" {
		t.Errorf("oldest retained = %q, want third turn", msgs[0].Content)
	}
}

func TestCharBudgetEvictsOldest(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{MaxTurns: 100, MaxChars: 30})

	l.AddUser(strings.Repeat("a", 20))
	l.AddUser(strings.Repeat("b", 20))
	l.AddUser(strings.Repeat("c", 20))

	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].Content[0] != 'c' {
		t.Errorf("retained = %d turns, first %q", len(msgs), msgs[0].Content[:1])
	}
}

func TestOversizedTurnIsStillRetained(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{MaxChars: 10})

	l.AddUser(strings.Repeat("a", 50))
	if l.Len() != 1 {
		t.Errorf("len = %d, want the single oversized turn kept", l.Len())
	}
}

func TestStreamCommit(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{})

	l.AddUser("tell me about mars")
	// Concurrent handlers can record deltas out of order; commit re-sorts.
	l.Delta("corr-1", 2, "fourth planet.")
	l.Delta("corr-1", 1, "Mars is the ")
	if l.Len() != 1 {
		t.Fatalf("deltas entered the log before commit")
	}

	l.EndStream("corr-1")
	msgs := l.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Mars is the fourth planet." {
		t.Fatalf("msgs = %+v", msgs)
	}

	// A reflected complete response after the stream must not double-log.
	l.AddAssistant("corr-1", "Mars is the fourth planet.")
	if l.Len() != 2 {
		t.Errorf("len = %d after redundant response, want 2", l.Len())
	}
}

func TestAbortDropsAccumulatedStream(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{})

	l.Delta("corr-1", 1, "half a rep")
	l.Abort("corr-1")
	l.EndStream("corr-1")

	if l.Len() != 0 {
		t.Errorf("len = %d, want 0 after abort", l.Len())
	}
}

func TestResetClearsEverything(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{})

	l.AddUser("hello")
	l.AddAssistant("corr-1", "first answer")
	l.Delta("corr-1", 1, "partial")
	l.Reset()

	if l.Len() != 0 {
		t.Errorf("len = %d, want 0", l.Len())
	}
	l.EndStream("corr-1")
	if l.Len() != 0 {
		t.Errorf("stream survived reset")
	}

	// Committed ring is cleared too: the same correlate logs again.
	l.AddAssistant("corr-1", "fresh")
	if l.Len() != 1 {
		t.Errorf("correlate still marked committed after reset")
	}
}

func TestEmptyAssistantTurnIgnored(t *testing.T) {
	t.Parallel()
	l := history.New(history.Config{})

	l.AddAssistant("corr-1", "   ")
	l.Delta("corr-2", 1, "")
	l.EndStream("corr-2")

	if l.Len() != 0 {
		t.Errorf("len = %d, want 0", l.Len())
	}
}
