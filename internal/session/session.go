package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halyard-ai/voicebridge/internal/aiclient"
	"github.com/halyard-ai/voicebridge/internal/audiosocket"
	"github.com/halyard-ai/voicebridge/internal/dsp"
	"github.com/halyard-ai/voicebridge/internal/frame"
	"github.com/halyard-ai/voicebridge/internal/jitter"
	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// Teardown reasons recorded per call.
const (
	ReasonCompleted   = "completed"
	ReasonFailed      = "failed"
	ReasonTransferred = "transferred"
	ReasonHandedOff   = "handed-off"
	ReasonPeerHangup  = "peer-hangup"
)

const (
	// Switch reads time out softly; the call only dies after the hard
	// ceiling of continuous silence from the switch.
	softReadTimeout = 10 * time.Second
	hardReadCeiling = 90 * time.Second

	defaultQueueCapacity = 200
	framesPerSecond      = 50 // 20 ms frames
	replayRingFrames     = 50 // one second of 20 ms frames

	drainTimeout = 3 * time.Second
	drainPoll    = 50 * time.Millisecond
)

// ToolHandler executes one AI tool call and returns its JSON result. The
// engine treats name and arguments as opaque.
type ToolHandler func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

// Config assembles one call.
type Config struct {
	CallID   string
	AI       aiclient.Config
	Policy   aiclient.ReconnectPolicy
	Pipeline dsp.PipelineConfig

	JitterBufferMS int
	KeepaliveMS    int
	QueueCapacity  int

	// Tools handles tool_call events; nil acknowledges everything with a
	// bare ok.
	Tools ToolHandler
	// Transfer is the switch side-channel behind transfer_to_operator
	// (continue-dialplan on RTP calls). Optional.
	Transfer func(ctx context.Context) error
}

type pendingFrame struct {
	data     []byte
	priority bool
}

// Session bridges one call. Run spawns the pacer, the frontend reader and
// the AI session supervisor; whichever exits first takes the others down,
// and teardown is idempotent.
type Session struct {
	cfg    Config
	logger commons.Logger
	fe     Frontend

	sup   *aiclient.Supervisor
	queue *jitter.Queue
	ring  *replayRing

	cancel context.CancelFunc

	codecMu    sync.Mutex
	codec      frame.Codec
	frameBytes int
	inbound    *dsp.Inbound
	outbound   *dsp.Outbound
	pendingAI  []pendingFrame
	codecReady chan struct{}

	outMu  sync.Mutex
	outRem []byte

	pacerMu sync.Mutex
	pacer   *jitter.Pacer

	idMu     sync.Mutex
	identity audiosocket.Identity

	reasonMu     sync.Mutex
	reason       string
	inHandoff    atomic.Bool
	handoffs     atomic.Uint64
	framesIn     atomic.Uint64
	startedAt    time.Time
	teardownOnce sync.Once
	endOnce      sync.Once
}

// New builds a session around an accepted frontend.
func New(cfg Config, fe Frontend, logger commons.Logger) *Session {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	s := &Session{
		cfg:        cfg,
		logger:     logger.With("call_id", cfg.CallID),
		fe:         fe,
		queue:      jitter.NewQueue(cfg.QueueCapacity),
		ring:       newReplayRing(replayRingFrames),
		codecReady: make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.sup = aiclient.NewSupervisor(aiclient.SupervisorConfig{
		Client:  cfg.AI,
		Policy:  cfg.Policy,
		CallID:  cfg.CallID,
		Handler: s.handleAIEvent,
		Replay:  s.ring.Snapshot,
	}, s.logger)
	return s
}

// Run bridges until the call ends. The pacer starts first so the switch
// hears paced silence while the AI connects; the AI reader is the
// supervisor's own loop.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	// A dialect that pins its codec does not wait for inbound audio; the
	// pacer starts on silence right away.
	if codec, fixed := s.fe.FixedCodec(); fixed {
		s.latch(frame.BytesPerSecond(codec) / framesPerSecond)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.runPacer(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.runFrontend(gctx)
	})
	g.Go(func() error {
		err := s.sup.Run(gctx)
		if err == nil {
			// Normal AI-side end: let the queued goodbye play out before
			// the line drops.
			s.drainQueue(gctx)
		}
		cancel()
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.teardown(err)
	return err
}

func (s *Session) runPacer(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.codecReady:
	}

	s.codecMu.Lock()
	codec, frameBytes := s.codec, s.frameBytes
	s.codecMu.Unlock()

	preroll := s.cfg.JitterBufferMS * frame.BytesPerSecond(codec) / 1000
	pacer := jitter.NewPacer(jitter.PacerConfig{
		FrameBytes:   frameBytes,
		BytesPerSec:  frame.BytesPerSecond(codec),
		SilenceByte:  codec.SilenceByte(),
		PrerollBytes: preroll,
		Keepalive:    time.Duration(s.cfg.KeepaliveMS) * time.Millisecond,
	}, s.queue, s.fe, s.logger)

	s.pacerMu.Lock()
	s.pacer = pacer
	s.pacerMu.Unlock()

	err := pacer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) runFrontend(ctx context.Context) error {
	// Unblock the pending read as soon as the session is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.fe.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	lastAudio := time.Now()
	for {
		_ = s.fe.SetReadDeadline(time.Now().Add(softReadTimeout))
		ev, err := s.fe.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Soft timeout: the pacer keeps the line alive with
				// keepalive silence. Only sustained switch silence kills
				// the call.
				if time.Since(lastAudio) > hardReadCeiling {
					return fmt.Errorf("session: switch silent beyond %s", hardReadCeiling)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				s.setReason(ReasonPeerHangup)
				s.sup.MarkCallEnded()
				return nil
			}
			return err
		}

		switch ev.Kind {
		case EventHangup:
			s.setReason(ReasonPeerHangup)
			s.sup.MarkCallEnded()
			return nil
		case EventIdentity:
			s.idMu.Lock()
			s.identity = ev.Identity
			s.idMu.Unlock()
			s.logger.Infow("caller identified",
				"call_ref", ev.Identity.CallRef, "phone", ev.Identity.Phone, "name", ev.Identity.Name)
			if err := s.sup.SetIdentity(ev.Identity.Phone, ev.Identity.Name); err != nil &&
				!errors.Is(err, aiclient.ErrNotConnected) {
				s.logger.Warnw("pushing caller identity failed", "error", err)
			}
		case EventAudio:
			lastAudio = time.Now()
			s.latch(len(ev.Audio))
			s.framesIn.Add(1)

			s.codecMu.Lock()
			inbound := s.inbound
			s.codecMu.Unlock()
			processed := inbound.Process(ev.Audio)

			// The ring always holds the trailing second so a resumed socket
			// can be caught up; frames are never dropped while the socket is
			// up.
			s.ring.Push(processed)
			if err := s.sup.SendAudio(processed); err != nil &&
				!errors.Is(err, aiclient.ErrNotConnected) {
				s.logger.Debugw("inbound send failed, relying on replay", "error", err)
			}
		}
	}
}

// latch fixes the switch codec from the first AUDIO payload (or the
// dialect's pinned codec) and releases the pacer.
func (s *Session) latch(frameBytes int) {
	s.codecMu.Lock()
	if s.codec != frame.CodecUnknown {
		s.codecMu.Unlock()
		return
	}
	codec, fixed := s.fe.FixedCodec()
	if !fixed {
		codec = frame.DetectCodec(frameBytes)
	}
	s.codec = codec
	s.frameBytes = frameBytes
	s.inbound = dsp.NewInbound(codec, s.cfg.Pipeline)
	s.outbound = dsp.NewOutbound(codec, s.cfg.Pipeline)
	pending := s.pendingAI
	s.pendingAI = nil
	s.codecMu.Unlock()

	s.logger.Infow("switch codec latched", "codec", codec.String(), "frame_bytes", frameBytes)
	close(s.codecReady)
	for _, p := range pending {
		s.enqueueAI(p.data, p.priority)
	}
}

// handleAIEvent runs on the supervisor's reader goroutine, preserving server
// event order.
func (s *Session) handleAIEvent(ev aiclient.Event) {
	switch ev.Type {
	case aiclient.EventSessionReady:
		s.inHandoff.Store(false)
		s.logger.Infow("AI session ready")
	case aiclient.EventSessionResumed:
		s.inHandoff.Store(false)
		s.logger.Infow("AI session resumed", "replayed_frames", s.ring.Len())
	case aiclient.EventAudioDelta:
		s.enqueueAI(ev.Audio, false)
	case aiclient.EventAddressTTS:
		s.enqueueAI(ev.Audio, true)
	case aiclient.EventTranscript:
		s.logger.Infow("transcript", "role", ev.Role, "text", ev.Text)
	case aiclient.EventUserSpeaking:
		if ev.Speaking {
			s.bargeIn()
		}
	case aiclient.EventToolCall:
		s.handleToolCall(ev)
	case aiclient.EventHandoff:
		s.inHandoff.Store(true)
		s.handoffs.Add(1)
		s.logger.Infow("AI requested session handoff")
	case aiclient.EventCallEnded:
		s.setReason(ReasonCompleted)
		s.logger.Infow("AI ended the call")
	case aiclient.EventError:
		if ev.Retrying {
			s.logger.Warnw("AI reported transient error", "message", ev.Message)
		} else {
			s.setReason(ReasonFailed)
			s.logger.Errorw("AI reported fatal error", "message", ev.Message)
		}
	}
}

// bargeIn flushes the queued response so the caller is not talked over,
// then tells the AI to stop generating. Priority audio survives the flush;
// the partial frame remainder of the cancelled response does not.
func (s *Session) bargeIn() {
	flushed := s.queue.FlushNonPriority()
	s.outMu.Lock()
	s.outRem = s.outRem[:0]
	s.outMu.Unlock()
	if err := s.sup.SendCancelResponse(); err != nil && !errors.Is(err, aiclient.ErrNotConnected) {
		s.logger.Warnw("cancel_response failed", "error", err)
	}
	s.logger.Debugw("barge-in", "flushed_frames", flushed)
}

// handleToolCall relays the call to the injected handler, writes the result
// back, and only then triggers any engine-level behavior the tool implies.
func (s *Session) handleToolCall(ev aiclient.Event) {
	result := json.RawMessage(`{"status":"ok"}`)
	if s.cfg.Tools != nil {
		ctx, cancelTool := context.WithTimeout(context.Background(), 30*time.Second)
		r, err := s.cfg.Tools(ctx, ev.ToolName, ev.ToolArgs)
		cancelTool()
		if err != nil {
			msg, _ := json.Marshal(err.Error())
			result = json.RawMessage(`{"status":"error","message":` + string(msg) + `}`)
		} else if r != nil {
			result = r
		}
	}
	if err := s.sup.SendToolResult(ev.ToolCallID, result); err != nil {
		s.logger.Warnw("tool_result send failed", "tool", ev.ToolName, "error", err)
	}

	switch {
	case ev.ToolName == "end_call":
		go s.endCall(ReasonCompleted)
	case ev.ToolName == "transfer_to_operator":
		go s.transfer()
	case strings.HasPrefix(ev.ToolName, "book_"):
		// Booking tools are pure relay, no engine effect.
	}
}

// endCall drains queued audio so the goodbye is heard, then cancels the
// session.
func (s *Session) endCall(reason string) {
	s.endOnce.Do(func() {
		s.setReason(reason)
		s.sup.MarkCallEnded()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		s.drainQueue(ctx)
		cancel()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Session) transfer() {
	s.setReason(ReasonTransferred)
	if s.cfg.Transfer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.cfg.Transfer(ctx); err != nil {
			s.logger.Errorw("transfer side-channel failed", "error", err)
		}
		cancel()
	} else {
		s.logger.Warnw("transfer requested but no side-channel configured")
	}
	s.endCall(ReasonTransferred)
}

func (s *Session) drainQueue(ctx context.Context) {
	deadline := time.Now().Add(drainTimeout)
	for s.queue.BufferedBytes() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPoll):
		}
	}
}

// enqueueAI converts AI audio to the switch codec and queues it in exact
// frame_bytes chunks. Before the codec is latched the raw delta is parked.
func (s *Session) enqueueAI(raw []byte, priority bool) {
	s.codecMu.Lock()
	if s.outbound == nil {
		s.pendingAI = append(s.pendingAI, pendingFrame{data: raw, priority: priority})
		s.codecMu.Unlock()
		return
	}
	outbound := s.outbound
	frameBytes := s.frameBytes
	silence := s.codec.SilenceByte()
	s.codecMu.Unlock()

	data := outbound.Process(raw)

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if priority {
		// Priority audio is padded out immediately; it must not wait for a
		// later delta to complete its last frame.
		for off := 0; off < len(data); off += frameBytes {
			f := make([]byte, frameBytes)
			n := copy(f, data[off:])
			for i := n; i < frameBytes; i++ {
				f[i] = silence
			}
			s.queue.PushPriority(f)
		}
		return
	}

	s.outRem = append(s.outRem, data...)
	for len(s.outRem) >= frameBytes {
		f := make([]byte, frameBytes)
		copy(f, s.outRem[:frameBytes])
		s.outRem = s.outRem[frameBytes:]
		s.queue.Push(f)
	}
}

func (s *Session) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

// Reason reports the recorded teardown reason, empty while the call is live.
func (s *Session) Reason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

func (s *Session) teardown(runErr error) {
	s.teardownOnce.Do(func() {
		if runErr != nil {
			if s.inHandoff.Load() {
				s.setReason(ReasonHandedOff)
			} else {
				s.setReason(ReasonFailed)
			}
		}
		s.setReason(ReasonCompleted)

		s.sup.MarkCallEnded()
		_ = s.fe.Hangup()
		_ = s.fe.Close()
		s.queue.Close()

		st := s.Stats()
		s.logger.Infow("call torn down",
			"reason", st.Reason,
			"duration", st.Duration.Round(time.Millisecond).String(),
			"frames_in", st.FramesIn,
			"frames_out", st.FramesOut,
			"silence_out", st.SilenceOut,
			"underruns", st.Underruns,
			"dropped_old", st.DroppedOld,
			"reconnects", st.Reconnects,
			"handoffs", st.Handoffs,
			"protocol_errors", st.ProtocolErrors)
	})
}

// Stats is the live counter snapshot surfaced by the admin API.
type Stats struct {
	CallID         string        `json:"call_id"`
	Phone          string        `json:"phone,omitempty"`
	Codec          string        `json:"codec"`
	Reason         string        `json:"reason,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	FramesIn       uint64        `json:"frames_in"`
	FramesOut      uint64        `json:"frames_out"`
	SilenceOut     uint64        `json:"silence_out"`
	Underruns      uint64        `json:"underruns"`
	DroppedOld     uint64        `json:"dropped_old"`
	Reconnects     uint64        `json:"reconnects"`
	Handoffs       uint64        `json:"handoffs"`
	ProtocolErrors uint64        `json:"protocol_errors"`
	QueuedFrames   int           `json:"queued_frames"`
}

// Stats snapshots the call's counters.
func (s *Session) Stats() Stats {
	s.codecMu.Lock()
	codec := s.codec
	s.codecMu.Unlock()
	s.idMu.Lock()
	phone := s.identity.Phone
	s.idMu.Unlock()

	st := Stats{
		CallID:         s.cfg.CallID,
		Phone:          phone,
		Codec:          codec.String(),
		Reason:         s.Reason(),
		StartedAt:      s.startedAt,
		Duration:       time.Since(s.startedAt),
		FramesIn:       s.framesIn.Load(),
		DroppedOld:     s.queue.DroppedOld(),
		Reconnects:     s.sup.Reconnects(),
		Handoffs:       s.handoffs.Load(),
		ProtocolErrors: s.fe.ProtocolErrors(),
		QueuedFrames:   s.queue.Len(),
	}
	s.pacerMu.Lock()
	if s.pacer != nil {
		st.FramesOut = s.pacer.FramesOut()
		st.SilenceOut = s.pacer.SilenceOut()
		st.Underruns = s.pacer.Underruns()
	}
	s.pacerMu.Unlock()
	return st
}
