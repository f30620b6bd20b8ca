package policy

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// phraseMatcher scores a noisy transcript against a set of trigger phrases
// using Double Metaphone phonetic overlap combined with Jaro-Winkler
// similarity, so "stop talking" still matches when the recognizer hears
// "stob torking". Read-only after construction, safe for concurrent use.
type phraseMatcher struct {
	threshold float64
}

// normalize lowercases s and strips everything but letters, digits and
// spaces, collapsing runs of whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '\'':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// match reports whether text matches phrase. An exact normalized substring
// on word boundaries always matches; otherwise the transcript's trailing
// window of the phrase's length is scored phonetically.
func (m *phraseMatcher) match(text, phrase string) (float64, bool) {
	text = normalize(text)
	phrase = normalize(phrase)
	if text == "" || phrase == "" {
		return 0, false
	}

	if containsPhrase(text, phrase) {
		return 1, true
	}

	phraseTokens := strings.Fields(phrase)
	textTokens := strings.Fields(text)

	// Slide a phrase-sized window over the transcript and keep the best
	// window score. Short utterances are scored whole.
	n := len(phraseTokens)
	if n > len(textTokens) {
		n = len(textTokens)
	}
	best := 0.0
	for i := 0; i+n <= len(textTokens); i++ {
		window := strings.Join(textTokens[i:i+n], " ")
		score := matchr.JaroWinkler(window, phrase, false)
		if phoneticOverlap(textTokens[i:i+n], phraseTokens) {
			// Phonetic agreement earns a relaxed bar.
			score += 0.05
		}
		if score > best {
			best = score
		}
	}
	return best, best >= m.threshold
}

// matchAny returns the best-scoring phrase from phrases, if any matches.
func (m *phraseMatcher) matchAny(text string, phrases []string) (string, float64, bool) {
	var (
		bestPhrase string
		bestScore  float64
	)
	for _, p := range phrases {
		if score, ok := m.match(text, p); ok && score > bestScore {
			bestPhrase, bestScore = p, score
		}
	}
	return bestPhrase, bestScore, bestPhrase != ""
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
func containsPhrase(text, phrase string) bool {
	idx := strings.Index(text, phrase)
	for idx >= 0 {
		before := idx == 0 || text[idx-1] == ' '
		after := idx+len(phrase) == len(text) || text[idx+len(phrase)] == ' '
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], phrase)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

// phoneticOverlap reports whether any Double Metaphone code of the input
// tokens coincides with any code of the phrase tokens.
func phoneticOverlap(inputTokens, phraseTokens []string) bool {
	input := codesForTokens(inputTokens)
	for _, t := range phraseTokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			if _, ok := input[p]; ok {
				return true
			}
		}
		if s != "" {
			if _, ok := input[s]; ok {
				return true
			}
		}
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens, excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}
