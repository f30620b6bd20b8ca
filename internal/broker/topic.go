package broker

import "strings"

// Core topic names. Subscriptions use MQTT wildcards; `+` matches one level,
// `#` matches the rest.
const (
	TopicSTTFinal   = "stt/final"
	TopicSTTPartial = "stt/partial"

	TopicWakeEvent = "wake/event"
	TopicWakeMic   = "wake/mic"

	TopicLLMRequest  = "llm/request"
	TopicLLMResponse = "llm/response"
	TopicLLMStream   = "llm/stream"
	TopicLLMCancel   = "llm/cancel"

	TopicTTSSay     = "tts/say"
	TopicTTSStatus  = "tts/status"
	TopicTTSControl = "tts/control"

	TopicHealthAll        = "system/health/+"
	TopicHealthPrefix     = "system/health/"
	TopicCharacterCurrent = "system/character/current"
)

// HealthTopic returns the retained health topic for a service name.
func HealthTopic(service string) string {
	return TopicHealthPrefix + service
}

// ServiceFromHealthTopic extracts the service name from a system/health/<x>
// topic, or "" when the topic is not a health topic.
func ServiceFromHealthTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, TopicHealthPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// MatchTopic reports whether an MQTT topic matches a subscription pattern.
// Matching is verified client-side because broker wildcard behaviour varies
// at the edges (notably `#` against the pattern's own prefix level).
//
//	MatchTopic("system/health/+", "system/health/llm") == true
//	MatchTopic("stt/#", "stt/final") == true
//	MatchTopic("stt/final", "stt/partial") == false
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, seg := range p {
		if seg == "#" {
			// Multi-level wildcard matches the remainder, including zero
			// levels ("a/#" matches "a").
			return i <= len(t)
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
