package policy

import (
	"testing"

	"github.com/tars-assistant/router/internal/wake"
)

func listening() wake.Snapshot {
	return wake.Snapshot{State: wake.Listening}
}

func responding(correlate string) wake.Snapshot {
	return wake.Snapshot{State: wake.Responding, ActiveCorrelate: correlate}
}

func TestDecideTable(t *testing.T) {
	t.Parallel()
	e := New(DefaultRules(), 3)

	tests := []struct {
		name string
		in   Input
		want Action
	}{
		{
			name: "idle drops",
			in:   Input{Text: "what time is it", Wake: wake.Snapshot{State: wake.Idle}, LLMHealthy: true},
			want: ActionDrop,
		},
		{
			name: "always listen admits despite idle",
			in:   Input{Text: "what time is it", Wake: wake.Snapshot{State: wake.Idle}, AlwaysListen: true, LLMHealthy: true},
			want: ActionForwardLLM,
		},
		{
			name: "too short drops",
			in:   Input{Text: "uh", Wake: listening(), LLMHealthy: true},
			want: ActionDrop,
		},
		{
			name: "blank drops",
			in:   Input{Text: "   ", Wake: listening(), LLMHealthy: true},
			want: ActionDrop,
		},
		{
			name: "default forwards",
			in:   Input{Text: "tell me about black holes", Wake: listening(), LLMHealthy: true},
			want: ActionForwardLLM,
		},
		{
			name: "rule match speaks directly",
			in:   Input{Text: "are you there", Wake: listening(), LLMHealthy: true},
			want: ActionDirectTTS,
		},
		{
			name: "cancel phrase while responding",
			in:   Input{Text: "stop talking", Wake: responding("corr-1"), LLMHealthy: true},
			want: ActionCancelLLM,
		},
		{
			name: "cancel phrase while only listening forwards",
			in:   Input{Text: "stop talking", Wake: listening(), LLMHealthy: true},
			want: ActionForwardLLM,
		},
		{
			name: "llm down speaks fallback",
			in:   Input{Text: "tell me about black holes", Wake: listening(), LLMHealthy: false},
			want: ActionDirectTTS,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Decide(tt.in)
			if got.Action != tt.want {
				t.Errorf("Decide(%q) = %v (%s), want %v", tt.in.Text, got.Action, got.Reason, tt.want)
			}
		})
	}
}

func TestCancelCarriesCorrelate(t *testing.T) {
	t.Parallel()
	e := New(DefaultRules(), 3)

	d := e.Decide(Input{Text: "never mind", Wake: responding("corr-42"), LLMHealthy: true})
	if d.Action != ActionCancelLLM {
		t.Fatalf("action = %v, want cancel_llm", d.Action)
	}
	if d.Correlate != "corr-42" {
		t.Errorf("correlate = %q, want corr-42", d.Correlate)
	}
}

func TestCancelPhraseSurvivesRecognizerNoise(t *testing.T) {
	t.Parallel()
	e := New(DefaultRules(), 3)

	// Close misrecognitions of "stop talking" must still interrupt.
	for _, text := range []string{"stop torking", "stob talking", "please stop talking now"} {
		d := e.Decide(Input{Text: text, Wake: responding("corr-1"), LLMHealthy: true})
		if d.Action != ActionCancelLLM {
			t.Errorf("Decide(%q) = %v (%s), want cancel_llm", text, d.Action, d.Reason)
		}
	}

	// An unrelated utterance must not.
	d := e.Decide(Input{Text: "tell me a longer story", Wake: responding("corr-1"), LLMHealthy: true})
	if d.Action == ActionCancelLLM {
		t.Errorf("unrelated utterance cancelled: %+v", d)
	}
}

func TestFallbackRepliesRotate(t *testing.T) {
	t.Parallel()
	rules := DefaultRules()
	rules.FallbackReplies = []string{"reply one", "reply two"}
	e := New(rules, 3)

	in := Input{Text: "tell me about black holes", Wake: listening(), LLMHealthy: false}
	first := e.Decide(in)
	second := e.Decide(in)
	if first.Reply == "" || second.Reply == "" {
		t.Fatalf("fallback replies empty: %q, %q", first.Reply, second.Reply)
	}
	if first.Reply == second.Reply {
		t.Errorf("fallback did not rotate: %q twice", first.Reply)
	}
}

func TestNoFallbackRepliesDrops(t *testing.T) {
	t.Parallel()
	rules := DefaultRules()
	rules.FallbackReplies = nil
	e := New(rules, 3)

	d := e.Decide(Input{Text: "tell me about black holes", Wake: listening(), LLMHealthy: false})
	if d.Action != ActionDrop || d.Reason != "llm_unavailable" {
		t.Errorf("decision = %+v, want drop/llm_unavailable", d)
	}
}

func TestDecideIsPure(t *testing.T) {
	t.Parallel()
	e := New(DefaultRules(), 3)

	in := Input{Text: "tell me about black holes", Wake: listening(), LLMHealthy: true}
	a, b := e.Decide(in), e.Decide(in)
	if a != b {
		t.Errorf("same input produced different decisions: %+v vs %+v", a, b)
	}
}
