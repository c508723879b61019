package aiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// ReconnectPolicy bounds how hard the supervisor fights for a session.
// Delays double per consecutive attempt. Handoff-driven reconnects are
// requested by the AI itself and do not count against MaxAttempts.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Handler receives every decoded server event in arrival order, on the
// supervisor's reader goroutine.
type Handler func(Event)

// SupervisorConfig wires one call's session.
type SupervisorConfig struct {
	Client    Config
	Policy    ReconnectPolicy
	CallID    string
	Handler   Handler
	// Replay returns the inbound frames buffered while the socket was down,
	// oldest first, for post-resume replay.
	Replay func() [][]byte
}

// Supervisor owns the websocket lifecycle of one call: initial connect,
// init/resume handshakes, keepalive pings, reconnection with backoff, and
// AI-requested handoffs. Sends from other goroutines go through it so they
// always hit the current socket.
type Supervisor struct {
	cfg    SupervisorConfig
	logger commons.Logger

	mu     sync.RWMutex
	client *Client

	phoneMu sync.Mutex
	phone   string
	name    string

	sessionToken string // set by handoff, consumed by the next init

	callEnded  atomic.Bool
	reconnects atomic.Uint64
}

// NewSupervisor builds the supervisor; Run does the first connect.
func NewSupervisor(cfg SupervisorConfig, logger commons.Logger) *Supervisor {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 3
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy.BaseDelay = time.Second
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run connects and pumps events until the call formally ends, the context is
// cancelled, or reconnection is exhausted. It is the only goroutine that
// reads from the socket.
func (s *Supervisor) Run(ctx context.Context) error {
	resume := false
	for {
		client, err := s.connect(ctx, resume)
		if err != nil {
			return err
		}

		readErr, handoff := s.pump(ctx, client)
		s.setClient(nil)
		_ = client.Close()

		switch {
		case s.callEnded.Load():
			// The AI said goodbye. A dropped socket after that is expected,
			// not a failure.
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case handoff:
			// Reconnect immediately with the new session token; this is not
			// an error so it never consumes an attempt.
			resume = true
			continue
		default:
			s.logger.Warnw("AI socket lost, reconnecting", "call_id", s.cfg.CallID, "error", readErr)
			resume = true
		}
	}
}

// connect dials with backoff, sends init (resume on every attempt after the
// first successful session) and replays buffered inbound audio.
func (s *Supervisor) connect(ctx context.Context, resume bool) (*Client, error) {
	var lastErr error
	attempts := s.cfg.Policy.MaxAttempts
	if !resume {
		// Initial connect gets one shot; the call cannot proceed without it
		// and the frontend has nothing to resume.
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := s.cfg.Policy.BaseDelay << (attempt - 1)
			s.logger.Infow("backing off before reconnect",
				"call_id", s.cfg.CallID, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if s.callEnded.Load() {
			return nil, fmt.Errorf("aiclient: call already ended")
		}

		client, err := Dial(ctx, s.cfg.Client, s.logger)
		if err != nil {
			lastErr = err
			continue
		}

		// A fresh session always learns the caller through update_phone, the
		// same flow as an IDENTITY that arrives after connect; a resume init
		// restates the identity so the restored session is complete.
		phone, name := s.identity()
		var initPhone, initName string
		if resume {
			initPhone, initName = phone, name
		}
		if err := client.SendInit(s.cfg.CallID, resume, s.sessionToken, initPhone, initName); err != nil {
			lastErr = err
			_ = client.Close()
			continue
		}
		s.sessionToken = ""

		if !resume && phone != "" {
			if err := client.SendUpdatePhone(phone, name); err != nil {
				lastErr = err
				_ = client.Close()
				continue
			}
		}

		if resume {
			s.reconnects.Add(1)
			s.replayInbound(client)
		}
		s.setClient(client)
		return client, nil
	}
	return nil, fmt.Errorf("aiclient: connect failed after %d attempts: %w", attempts, lastErr)
}

func (s *Supervisor) replayInbound(client *Client) {
	if s.cfg.Replay == nil {
		return
	}
	frames := s.cfg.Replay()
	for _, f := range frames {
		if err := client.SendAudio(f); err != nil {
			s.logger.Warnw("replay after resume failed", "call_id", s.cfg.CallID, "error", err)
			return
		}
	}
	if len(frames) > 0 {
		s.logger.Debugw("replayed buffered audio after resume",
			"call_id", s.cfg.CallID, "frames", len(frames))
	}
}

// pump reads until the socket fails, the call ends, or the AI requests a
// handoff. Ping cadence rides on a side goroutine tied to this socket.
func (s *Supervisor) pump(ctx context.Context, client *Client) (err error, handoff bool) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				// A cancelled session must unblock the pending Read; gorilla
				// reads only return once the socket dies.
				if ctx.Err() != nil {
					_ = client.Close()
				}
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		ev, err := client.Read()
		if err != nil {
			return err, false
		}

		switch ev.Type {
		case EventCallEnded:
			s.callEnded.Store(true)
			s.cfg.Handler(ev)
			return nil, false
		case EventHandoff:
			s.sessionToken = ev.SessionToken
			s.cfg.Handler(ev)
			return nil, true
		case EventError:
			s.cfg.Handler(ev)
			if !ev.Retrying {
				s.callEnded.Store(true)
				return fmt.Errorf("aiclient: fatal server error: %s", ev.Message), false
			}
		default:
			s.cfg.Handler(ev)
		}

		if ctx.Err() != nil {
			return ctx.Err(), false
		}
	}
}

func (s *Supervisor) setClient(c *Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Supervisor) current() (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// SendAudio forwards one caller frame to the current socket. While the
// socket is down it returns ErrNotConnected and the caller relies on the
// replay ring.
func (s *Supervisor) SendAudio(payload []byte) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SendAudio(payload)
}

// SendCancelResponse forwards a barge-in signal; dropped silently while
// disconnected since the reconnect init restates session state anyway.
func (s *Supervisor) SendCancelResponse() error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SendCancelResponse()
}

// SendToolResult forwards a tool acknowledgment.
func (s *Supervisor) SendToolResult(toolCallID string, result json.RawMessage) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SendToolResult(toolCallID, result)
}

// SetIdentity records the caller identity for future inits and pushes an
// update_phone on the live socket if there is one.
func (s *Supervisor) SetIdentity(phone, name string) error {
	s.phoneMu.Lock()
	s.phone, s.name = phone, name
	s.phoneMu.Unlock()

	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SendUpdatePhone(phone, name)
}

func (s *Supervisor) identity() (phone, name string) {
	s.phoneMu.Lock()
	defer s.phoneMu.Unlock()
	return s.phone, s.name
}

// MarkCallEnded suppresses any further reconnection, used when teardown is
// driven from the switch side.
func (s *Supervisor) MarkCallEnded() { s.callEnded.Store(true) }

// Reconnects reports how many successful resumes this call has done.
func (s *Supervisor) Reconnects() uint64 { return s.reconnects.Load() }
