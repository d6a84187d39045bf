package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageSucceeded(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want bool
	}{
		{"success result", NewResultMessage("s1", SubtypeSuccess, "done", time.Second, 3, nil), true},
		{"execution error", NewResultMessage("s1", SubtypeErrorDuringExecution, "", time.Second, 3, nil), false},
		{"max turns", NewResultMessage("s1", SubtypeErrorMaxTurns, "", time.Second, 3, nil), false},
		{"assistant is not terminal", NewAssistantMessage("s1", "hello"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Succeeded(); got != tt.want {
				t.Errorf("Succeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageTerminal(t *testing.T) {
	if !NewResultMessage("s", SubtypeSuccess, "", 0, 0, nil).Terminal() {
		t.Error("result message should be terminal")
	}
	if NewSystemMessage("s", "m", nil).Terminal() {
		t.Error("system message should not be terminal")
	}
}

func TestResultMessageErrorFlag(t *testing.T) {
	msg := NewResultMessage("s", SubtypeErrorDuringExecution, "boom", 0, 1, nil)
	if !msg.IsError {
		t.Error("non-success result should carry IsError")
	}
	ok := NewResultMessage("s", SubtypeSuccess, "fine", 0, 1, nil)
	if ok.IsError {
		t.Error("success result should not carry IsError")
	}
}

func TestUsageTotal(t *testing.T) {
	var nilUsage *Usage
	if nilUsage.Total() != 0 {
		t.Error("nil usage should total zero")
	}

	u := &Usage{InputTokens: 10, OutputTokens: 20, CacheReadInputTokens: 5}
	if got := u.Total(); got != 35 {
		t.Errorf("Total() = %d, want 35", got)
	}
}

func TestApproximateUsage(t *testing.T) {
	tests := []struct {
		bytes int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{4096, 1024},
	}

	for _, tt := range tests {
		if got := ApproximateUsage(tt.bytes).OutputTokens; got != tt.want {
			t.Errorf("ApproximateUsage(%d) = %d tokens, want %d", tt.bytes, got, tt.want)
		}
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewResultMessage("sess-1", SubtypeSuccess, "all good", 1500*time.Millisecond, 4, &Usage{OutputTokens: 12})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.Kind != KindResult || got.Subtype != SubtypeSuccess {
		t.Errorf("round trip lost discriminator: %+v", got)
	}
	if got.SessionID != "sess-1" || got.DurationMs != 1500 || got.NumTurns != 4 {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Usage == nil || got.Usage.OutputTokens != 12 {
		t.Errorf("round trip lost usage: %+v", got.Usage)
	}
}
