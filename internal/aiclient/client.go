package aiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 10 * time.Second
	pongWait     = 15 * time.Second // must exceed pingInterval
	readLimit    = 10 << 20         // 10 MiB, TTS deltas can be large
)

// ErrNotConnected is returned by sends while the socket is down. Callers keep
// the audio in the replay ring and move on.
var ErrNotConnected = errors.New("aiclient: not connected")

// Config carries everything a fresh socket needs to introduce a call.
type Config struct {
	URL          string
	APIKey       string
	Voice        string
	Model        string
	SystemPrompt string
	SampleRate   int

	// BinaryAudio sends caller audio as raw binary websocket frames;
	// otherwise it is base64-wrapped in a JSON envelope.
	BinaryAudio bool

	VADThreshold float64
	VADPrefixMS  int
	VADSilenceMS int
}

// Client is one live websocket to the AI service. All writes are serialized;
// Read is driven by a single reader goroutine in the supervisor.
type Client struct {
	cfg    Config
	logger commons.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// Dial opens the socket with the bearer credential. The caller sends init
// immediately after, before any audio.
func Dial(ctx context.Context, cfg Config, logger commons.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("aiclient: dialing %s (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("aiclient: dialing %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	// Liveness rides on ping/pong: the deadline is armed from connect and
	// only pongs extend it.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Client{cfg: cfg, logger: logger, conn: conn}, nil
}

// SendInit introduces the call. On a reconnect resume is true and the session
// token from a handoff, if any, rides along so the AI restores its state.
func (c *Client) SendInit(callID string, resume bool, sessionToken, phone, name string) error {
	return c.writeJSON(initMessage{
		Type:         "init",
		CallID:       callID,
		Resume:       resume,
		SessionToken: sessionToken,
		UserPhone:    phone,
		UserName:     name,
		Voice:        c.cfg.Voice,
		Model:        c.cfg.Model,
		SystemPrompt: c.cfg.SystemPrompt,
		SampleRate:   c.cfg.SampleRate,
		VADThreshold: c.cfg.VADThreshold,
		VADPrefixMS:  c.cfg.VADPrefixMS,
		VADSilenceMS: c.cfg.VADSilenceMS,
	})
}

// SendUpdatePhone delivers caller identity that arrived after init.
func (c *Client) SendUpdatePhone(phone, name string) error {
	return c.writeJSON(updatePhoneMessage{Type: "update_phone", UserPhone: phone, UserName: name})
}

// SendAudio forwards one processed caller frame.
func (c *Client) SendAudio(payload []byte) error {
	if c.cfg.BinaryAudio {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteMessage(websocket.BinaryMessage, payload)
	}
	return c.writeJSON(audioMessage{Type: "audio", Audio: base64.StdEncoding.EncodeToString(payload)})
}

// SendCancelResponse tells the AI the caller barged in.
func (c *Client) SendCancelResponse() error {
	return c.writeJSON(cancelResponseMessage{Type: "cancel_response"})
}

// SendToolResult acknowledges a tool call. It must be sent before any local
// behavior the tool triggers.
func (c *Client) SendToolResult(toolCallID string, result json.RawMessage) error {
	if result == nil {
		result = json.RawMessage(`{"status":"ok"}`)
	}
	return c.writeJSON(toolResultMessage{Type: "tool_result", CallID: toolCallID, Result: result})
}

// Ping sends a websocket-level ping. The pong handler pushes the read
// deadline out.
func (c *Client) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Read blocks for the next server message and decodes it. Binary frames are
// raw TTS audio. Unknown envelope types are logged and skipped.
func (c *Client) Read() (Event, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		if msgType == websocket.BinaryMessage {
			return Event{Type: EventAudioDelta, Audio: data}, nil
		}

		var env serverEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("dropping undecodable AI message", "bytes", len(data), "error", err)
			continue
		}
		ev, ok := c.decode(env)
		if !ok {
			c.logger.Warnw("dropping unknown AI message type", "type", env.Type)
			continue
		}
		return ev, nil
	}
}

func (c *Client) decode(env serverEnvelope) (Event, bool) {
	switch EventType(env.Type) {
	case EventSessionReady:
		return Event{Type: EventSessionReady}, true
	case EventSessionResumed:
		return Event{Type: EventSessionResumed}, true
	case EventAudioDelta, EventAddressTTS:
		raw := env.Audio
		if raw == "" {
			raw = env.Delta
		}
		audio, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			c.logger.Warnw("dropping audio with broken base64", "type", env.Type, "error", err)
			return Event{}, false
		}
		return Event{Type: EventType(env.Type), Audio: audio}, true
	case EventTranscript:
		return Event{Type: EventTranscript, Role: env.Role, Text: env.Text}, true
	case EventUserSpeaking:
		speaking := env.Speaking == nil || *env.Speaking
		return Event{Type: EventUserSpeaking, Speaking: speaking}, true
	case EventToolCall:
		return Event{Type: EventToolCall, ToolName: env.Name, ToolArgs: env.Arguments, ToolCallID: env.CallID}, true
	case EventHandoff:
		return Event{Type: EventHandoff, SessionToken: env.Token}, true
	case EventCallEnded:
		return Event{Type: EventCallEnded}, true
	case EventError:
		return Event{Type: EventError, Message: env.Message, Retrying: env.Retrying}, true
	default:
		return Event{}, false
	}
}

// Close shuts the socket, attempting a normal-closure frame first.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
