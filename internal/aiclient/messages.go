// Package aiclient speaks the voice-AI websocket protocol: JSON envelopes of
// the form {"type": "...", ...} with audio either base64-encoded inside the
// envelope or carried as raw binary frames, plus the reconnect/resume/handoff
// supervisor that keeps a call's session alive across socket failures.
package aiclient

import "encoding/json"

// EventType enumerates the AI→engine envelope vocabulary. Unknown types are
// logged and dropped rather than failing the stream.
type EventType string

const (
	EventSessionReady   EventType = "session_ready"
	EventSessionResumed EventType = "session_resumed"
	EventAudioDelta     EventType = "audio_delta"
	EventAddressTTS     EventType = "address_tts"
	EventTranscript     EventType = "transcript"
	EventUserSpeaking   EventType = "user_speaking"
	EventToolCall       EventType = "tool_call"
	EventHandoff        EventType = "session_handoff"
	EventCallEnded      EventType = "call_ended"
	EventError          EventType = "error"
)

// Event is one decoded AI→engine message.
type Event struct {
	Type EventType

	// EventAudioDelta / EventAddressTTS
	Audio []byte

	// EventTranscript
	Role string
	Text string

	// EventUserSpeaking
	Speaking bool

	// EventToolCall
	ToolName   string
	ToolArgs   json.RawMessage
	ToolCallID string

	// EventHandoff
	SessionToken string

	// EventError
	Message  string
	Retrying bool
}

// serverEnvelope is the schema-light wire form of every server message; only
// the fields relevant to the decoded type are populated.
type serverEnvelope struct {
	Type      string          `json:"type"`
	Audio     string          `json:"audio,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	Speaking  *bool           `json:"speaking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Token     string          `json:"session_token,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retrying  bool            `json:"retrying,omitempty"`
}

// initMessage announces the call on socket open, before any identity is
// known, so the AI can start the greeting immediately.
type initMessage struct {
	Type         string  `json:"type"`
	CallID       string  `json:"call_id"`
	Resume       bool    `json:"resume,omitempty"`
	SessionToken string  `json:"session_token,omitempty"`
	UserPhone    string  `json:"user_phone,omitempty"`
	UserName     string  `json:"user_name,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	SampleRate   int     `json:"sample_rate,omitempty"`
	VADThreshold float64 `json:"vad_threshold,omitempty"`
	VADPrefixMS  int     `json:"vad_prefix_padding_ms,omitempty"`
	VADSilenceMS int     `json:"vad_silence_duration_ms,omitempty"`
}

type audioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16
}

type updatePhoneMessage struct {
	Type      string `json:"type"`
	UserPhone string `json:"user_phone"`
	UserName  string `json:"user_name,omitempty"`
}

type cancelResponseMessage struct {
	Type string `json:"type"`
}

type toolResultMessage struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result"`
}
