package stream

import "strings"

// Common abbreviations whose trailing period does not end a sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"sr": {}, "jr": {}, "st": {}, "mt": {}, "vs": {}, "etc": {},
	"eg": {}, "ie": {}, "e.g": {}, "i.e": {}, "approx": {}, "dept": {},
	"est": {}, "fig": {}, "no": {}, "vol": {}, "inc": {}, "ltd": {},
	"co": {}, "corp": {}, "gen": {}, "col": {}, "sgt": {}, "capt": {},
}

// firstSentenceBoundary returns the byte index just past the first sentence
// terminator in s, or -1 when s holds no complete sentence.
//
// A terminator is '.', '!', '?' or '\n'. A period inside a number (3.14) or
// after a known abbreviation (Dr., e.g.) does not count, and neither does
// one glued to the next token (file.txt). Trailing quotes and closing
// brackets are included in the returned prefix.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' {
			return i + 1
		}
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if c == '.' {
			if i > 0 && isDigit(s[i-1]) {
				if i+1 >= len(s) {
					// "pi is 3." at the buffer edge: the fraction may
					// still be in flight, so hold until more arrives.
					return -1
				}
				if isDigit(s[i+1]) {
					continue // decimal point
				}
			}
			if isAbbreviation(s[:i]) {
				continue
			}
		}
		end := i + 1
		for end < len(s) && isCloser(s[end]) {
			end++
		}
		if end < len(s) && !isSpace(s[end]) {
			continue // mid-token, e.g. "file.txt" or "wait?!no"
		}
		return end
	}
	return -1
}

// isAbbreviation reports whether the word ending at the end of prefix is a
// known abbreviation or a single initial ("J.").
func isAbbreviation(prefix string) bool {
	start := len(prefix)
	for start > 0 {
		c := prefix[start-1]
		if isSpace(c) {
			break
		}
		start--
	}
	word := strings.ToLower(strings.TrimRight(prefix[start:], "."))
	if word == "" {
		return false
	}
	if len(word) == 1 && word[0] >= 'a' && word[0] <= 'z' {
		return true // initial
	}
	_, ok := abbreviations[word]
	return ok
}

func isCloser(c byte) bool {
	switch c {
	case '"', '\'', ')', ']', '.', '!', '?':
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
