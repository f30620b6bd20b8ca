package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRules indicates a rule file that parsed but fails validation.
var ErrInvalidRules = errors.New("policy: invalid rule set")

const defaultMatchThreshold = 0.88

// Rule maps a set of trigger phrases to a canned reply spoken without a
// round trip through the language model.
type Rule struct {
	// Name identifies the rule in logs.
	Name string `yaml:"name"`

	// Phrases are the trigger utterances, matched fuzzily.
	Phrases []string `yaml:"phrases"`

	// Reply is spoken verbatim when the rule fires.
	Reply string `yaml:"reply"`
}

// RuleSet is the declarative configuration of the policy engine.
type RuleSet struct {
	// MatchThreshold is the minimum Jaro-Winkler score for a fuzzy phrase
	// match. Default: 0.88.
	MatchThreshold float64 `yaml:"match_threshold"`

	// CancelPhrases interrupt an in-flight response.
	CancelPhrases []string `yaml:"cancel_phrases"`

	// Rules are evaluated in order; the first match wins.
	Rules []Rule `yaml:"rules"`

	// FallbackReplies are rotated through when the language model is
	// unavailable.
	FallbackReplies []string `yaml:"fallback_replies"`
}

// DefaultRules returns the built-in rule set used when no rule file is
// configured.
func DefaultRules() *RuleSet {
	return &RuleSet{
		MatchThreshold: defaultMatchThreshold,
		CancelPhrases: []string{
			"stop",
			"stop talking",
			"never mind",
			"cancel that",
			"be quiet",
			"shut up",
		},
		Rules: []Rule{
			{
				Name:    "ping",
				Phrases: []string{"are you there", "can you hear me"},
				Reply:   "Still here.",
			},
		},
		FallbackReplies: []string{
			"I can't reach my language model right now. Give me a moment.",
			"My brain is offline. Try again shortly.",
		},
	}
}

// LoadRules reads a rule set from a YAML file. An empty path or a missing
// file yields [DefaultRules]; a present but unparsable or invalid file is
// an error, so a typo cannot silently revert behavior to the defaults.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: reading rules %q: %w", path, err)
	}

	rs := DefaultRules()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(rs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("policy: parsing rules %q: %w", path, err)
	}
	if err := rs.validate(); err != nil {
		return nil, fmt.Errorf("policy: rules %q: %w", path, err)
	}
	return rs, nil
}

func (rs *RuleSet) validate() error {
	var errs []error
	if rs.MatchThreshold <= 0 || rs.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("%w: match_threshold %v out of (0,1]", ErrInvalidRules, rs.MatchThreshold))
	}
	for i, r := range rs.Rules {
		if len(r.Phrases) == 0 {
			errs = append(errs, fmt.Errorf("%w: rule %d (%s) has no phrases", ErrInvalidRules, i, r.Name))
		}
		if r.Reply == "" {
			errs = append(errs, fmt.Errorf("%w: rule %d (%s) has no reply", ErrInvalidRules, i, r.Name))
		}
	}
	return errors.Join(errs...)
}
