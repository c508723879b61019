package jitter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// Writer is where paced frames go, the switch transport of the call.
type Writer interface {
	WriteAudio(payload []byte) error
}

// PacerConfig fixes the frame geometry of one call. It is derived from the
// latched switch codec and never changes afterwards.
type PacerConfig struct {
	FrameBytes  int
	BytesPerSec int
	SilenceByte byte

	// PrerollBytes is how much audio must be buffered before playout starts
	// (and restarts after an underrun). Clamped to at least five frames.
	PrerollBytes int

	// Keepalive is the longest the switch may go without receiving audio.
	Keepalive time.Duration
}

// Pacer drains the queue toward the switch at exactly one frame per frame
// duration of wall clock. Emission times are computed from the stream start
// rather than accumulated sleeps, so drift stays below one frame for the
// whole call. The pacer is the only writer of AUDIO on the switch transport.
type Pacer struct {
	cfg    PacerConfig
	logger commons.Logger
	queue  *Queue
	w      Writer

	buffering bool

	underruns   atomic.Uint64
	framesOut   atomic.Uint64
	silenceOut  atomic.Uint64
	bytesPlayed atomic.Uint64
}

// NewPacer builds the pacer for one call. It starts in buffering mode and
// emits silence until pre-roll is satisfied.
func NewPacer(cfg PacerConfig, queue *Queue, w Writer, logger commons.Logger) *Pacer {
	if min := 5 * cfg.FrameBytes; cfg.PrerollBytes < min {
		cfg.PrerollBytes = min
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = time.Second
	}
	return &Pacer{
		cfg:       cfg,
		logger:    logger,
		queue:     queue,
		w:         w,
		buffering: true,
	}
}

// Run paces until the context is cancelled or the transport write fails. On
// cancellation one final silence frame is written best-effort so the line
// goes down quietly.
func (p *Pacer) Run(ctx context.Context) error {
	silence := p.silenceFrame()
	start := time.Now()
	lastWrite := start
	var played uint64

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		expected := start.Add(time.Duration(played) * time.Second / time.Duration(p.cfg.BytesPerSec))
		wait := time.Until(expected)
		if since := time.Since(lastWrite); since+wait > p.cfg.Keepalive {
			// The switch must never starve, even if scheduling went long.
			wait = p.cfg.Keepalive - since
		}
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				_ = p.w.WriteAudio(silence)
				return ctx.Err()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				_ = p.w.WriteAudio(silence)
				return ctx.Err()
			default:
			}
		}

		data := p.nextFrame(silence)
		if err := p.w.WriteAudio(data); err != nil {
			return err
		}
		lastWrite = time.Now()
		played += uint64(p.cfg.FrameBytes)
		p.bytesPlayed.Store(played)
		p.framesOut.Add(1)
	}
}

// nextFrame picks the frame for this tick and runs the buffering/playing
// state machine.
func (p *Pacer) nextFrame(silence []byte) []byte {
	if p.buffering {
		if p.queue.BufferedBytes() >= p.cfg.PrerollBytes {
			p.buffering = false
		} else {
			p.silenceOut.Add(1)
			return silence
		}
	}

	if f, ok := p.queue.Pop(); ok {
		return f
	}

	// Underrun: fill with silence and go back to buffering until pre-roll
	// is met again.
	p.underruns.Add(1)
	p.buffering = true
	p.silenceOut.Add(1)
	return silence
}

func (p *Pacer) silenceFrame() []byte {
	data := make([]byte, p.cfg.FrameBytes)
	if p.cfg.SilenceByte != 0 {
		for i := range data {
			data[i] = p.cfg.SilenceByte
		}
	}
	return data
}

// Underruns reports how many times playout ran dry.
func (p *Pacer) Underruns() uint64 { return p.underruns.Load() }

// FramesOut reports total emitted frames, silence included.
func (p *Pacer) FramesOut() uint64 { return p.framesOut.Load() }

// SilenceOut reports emitted silence frames.
func (p *Pacer) SilenceOut() uint64 { return p.silenceOut.Load() }

// BytesPlayed reports total emitted bytes.
func (p *Pacer) BytesPlayed() uint64 { return p.bytesPlayed.Load() }
