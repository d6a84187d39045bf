// Package protocol defines the canonical message vocabulary every backend
// speaks. All provider-native output is normalized into these messages before
// anything downstream (persistence, billing, streaming) sees it.
package protocol

import (
	"time"
)

// Kind discriminates protocol messages.
type Kind string

const (
	// KindSystem opens an attempt's stream and declares model and capabilities.
	KindSystem Kind = "system"
	// KindUser carries caller-supplied input echoed into the conversation.
	KindUser Kind = "user"
	// KindAssistant carries agent output, one message per chunk as it arrives.
	KindAssistant Kind = "assistant"
	// KindResult closes an attempt's stream with a terminal summary.
	KindResult Kind = "result"
)

// Result subtypes. Only SubtypeSuccess is a successful terminal state.
const (
	SubtypeInit                 = "init"
	SubtypeSuccess              = "success"
	SubtypeErrorMaxTurns        = "error_max_turns"
	SubtypeErrorDuringExecution = "error_during_execution"
)

// Usage carries token accounting for a single message.
//
// For unstructured backends these counts are approximated from output length
// (see stream.LineAdapter); billing built on them inherits that accuracy gap.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns the combined token count of a charge event.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Message is one immutable protocol event. Within one attempt's stream at most
// one system message opens the stream and at most one result message closes it.
type Message struct {
	Kind       Kind      `json:"type"`
	Subtype    string    `json:"subtype,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	Model      string    `json:"model,omitempty"`
	Tools      []string  `json:"tools,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	NumTurns   int       `json:"num_turns,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// NewSystemMessage builds the opening frame for an attempt.
func NewSystemMessage(sessionID, model string, tools []string) *Message {
	return &Message{
		Kind:      KindSystem,
		Subtype:   SubtypeInit,
		SessionID: sessionID,
		Model:     model,
		Tools:     tools,
		Timestamp: time.Now(),
	}
}

// NewUserMessage builds a user message carrying the prompt text.
func NewUserMessage(sessionID, text string) *Message {
	return &Message{
		Kind:      KindUser,
		SessionID: sessionID,
		Content:   text,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage builds one streamed agent output message.
func NewAssistantMessage(sessionID, text string) *Message {
	return &Message{
		Kind:      KindAssistant,
		SessionID: sessionID,
		Content:   text,
		Timestamp: time.Now(),
	}
}

// NewResultMessage builds the terminal frame for an attempt.
func NewResultMessage(sessionID, subtype, text string, duration time.Duration, turns int, usage *Usage) *Message {
	return &Message{
		Kind:       KindResult,
		Subtype:    subtype,
		SessionID:  sessionID,
		Content:    text,
		IsError:    subtype != SubtypeSuccess,
		DurationMs: duration.Milliseconds(),
		NumTurns:   turns,
		Usage:      usage,
		Timestamp:  time.Now(),
	}
}

// Terminal reports whether the message closes an attempt's stream.
func (m *Message) Terminal() bool {
	return m.Kind == KindResult
}

// Succeeded reports whether the message is the successful terminal state.
func (m *Message) Succeeded() bool {
	return m.Kind == KindResult && m.Subtype == SubtypeSuccess && !m.IsError
}

// ApproximateUsage estimates token usage from raw output length for backends
// that expose no real accounting. Roughly four bytes per token; consumers of
// this value must treat it as an estimate, not ground truth.
func ApproximateUsage(outputBytes int) *Usage {
	return &Usage{OutputTokens: (outputBytes + 3) / 4}
}
