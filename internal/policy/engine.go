// Package policy decides what happens to each final transcript: drop it,
// answer it with a canned reply, forward it to the language model, or
// cancel an in-flight response.
//
// Decide is a pure function of its input; the engine holds only immutable
// rule state plus the rotating fallback chain, so decisions are cheap and
// trivially testable.
package policy

import (
	"strings"

	"github.com/tars-assistant/router/internal/resilience"
	"github.com/tars-assistant/router/internal/wake"
)

// Action is the outcome of a policy decision.
type Action string

const (
	// ActionDrop discards the transcript.
	ActionDrop Action = "drop"

	// ActionDirectTTS speaks a canned reply without involving the model.
	ActionDirectTTS Action = "direct_tts"

	// ActionForwardLLM sends the transcript to the language model.
	ActionForwardLLM Action = "forward_llm"

	// ActionCancelLLM interrupts the in-flight response.
	ActionCancelLLM Action = "cancel_llm"
)

// Input is everything a decision depends on.
type Input struct {
	// Text is the final transcript.
	Text string

	// Wake is the machine snapshot at decision time.
	Wake wake.Snapshot

	// AlwaysListen mirrors the wake machine's mode.
	AlwaysListen bool

	// LLMHealthy reports whether the language-model service is currently
	// healthy per the registry.
	LLMHealthy bool
}

// Decision is the outcome of [Engine.Decide].
type Decision struct {
	Action Action

	// Reason labels the decision for logs and metrics.
	Reason string

	// Rule names the matched rule for direct_tts decisions.
	Rule string

	// Reply carries the canned text for direct_tts decisions.
	Reply string

	// Correlate names the response to cancel for cancel_llm decisions.
	Correlate string
}

// Engine evaluates the decision table over a [RuleSet].
type Engine struct {
	rules    *RuleSet
	matcher  phraseMatcher
	fallback *resilience.ReplyChain
	minChars int
}

// New creates an [Engine]. minChars is the shortest transcript worth
// processing; shorter ones are recognizer noise and dropped.
func New(rules *RuleSet, minChars int) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	threshold := rules.MatchThreshold
	if threshold <= 0 {
		threshold = defaultMatchThreshold
	}
	if minChars <= 0 {
		minChars = 2
	}
	return &Engine{
		rules:    rules,
		matcher:  phraseMatcher{threshold: threshold},
		fallback: resilience.NewReplyChain(rules.FallbackReplies...),
		minChars: minChars,
	}
}

// Decide applies the decision table to in. The precedence is fixed:
// admission, length, cancel phrases, canned rules, model health, forward.
func (e *Engine) Decide(in Input) Decision {
	if !in.AlwaysListen && in.Wake.State == wake.Idle {
		return Decision{Action: ActionDrop, Reason: "not_admitted"}
	}

	text := strings.TrimSpace(in.Text)
	if len(text) < e.minChars {
		return Decision{Action: ActionDrop, Reason: "too_short"}
	}

	// A cancel phrase only means "interrupt" while something is actually
	// being spoken; otherwise it falls through to the ordinary paths.
	if in.Wake.State == wake.Responding && in.Wake.ActiveCorrelate != "" {
		if phrase, _, ok := e.matcher.matchAny(text, e.rules.CancelPhrases); ok {
			return Decision{
				Action:    ActionCancelLLM,
				Reason:    "cancel_phrase",
				Rule:      phrase,
				Correlate: in.Wake.ActiveCorrelate,
			}
		}
	}

	for _, rule := range e.rules.Rules {
		if _, _, ok := e.matcher.matchAny(text, rule.Phrases); ok {
			return Decision{
				Action: ActionDirectTTS,
				Reason: "rule_match",
				Rule:   rule.Name,
				Reply:  rule.Reply,
			}
		}
	}

	if !in.LLMHealthy {
		reply := e.fallback.Next()
		if reply == "" {
			return Decision{Action: ActionDrop, Reason: "llm_unavailable"}
		}
		return Decision{Action: ActionDirectTTS, Reason: "llm_unavailable", Reply: reply}
	}

	return Decision{Action: ActionForwardLLM, Reason: "default"}
}
