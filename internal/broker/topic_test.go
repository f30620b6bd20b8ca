package broker

import "testing"

func TestMatchTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"stt/final", "stt/final", true},
		{"stt/final", "stt/partial", false},
		{"stt/final", "stt/final/extra", false},

		{"system/health/+", "system/health/llm", true},
		{"system/health/+", "system/health/llm/sub", false},
		{"system/health/+", "system/health", false},
		{"+/status", "tts/status", true},
		{"+/status", "tts/status/x", false},

		{"stt/#", "stt/final", true},
		{"stt/#", "stt/final/extra", true},
		{"stt/#", "stt", true},
		{"stt/#", "tts/say", false},
		{"#", "anything/at/all", true},

		{"system/+/current", "system/character/current", true},
		{"system/+/current", "system/character/old", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.pattern+" vs "+tt.topic, func(t *testing.T) {
			t.Parallel()
			if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestHealthTopicRoundTrip(t *testing.T) {
	t.Parallel()

	if got := HealthTopic("llm"); got != "system/health/llm" {
		t.Errorf("HealthTopic = %q", got)
	}
	if got := ServiceFromHealthTopic("system/health/llm"); got != "llm" {
		t.Errorf("ServiceFromHealthTopic = %q", got)
	}
	if got := ServiceFromHealthTopic("system/health/llm/extra"); got != "" {
		t.Errorf("nested topic should not parse, got %q", got)
	}
	if got := ServiceFromHealthTopic("tts/status"); got != "" {
		t.Errorf("unrelated topic should not parse, got %q", got)
	}
}
