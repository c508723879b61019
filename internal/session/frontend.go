// Package session owns the per-call lifecycle: it joins one switch-side
// frontend and one AI-side websocket session, runs the pacer between them,
// and tears everything down exactly once.
package session

import (
	"context"
	"time"

	"github.com/halyard-ai/voicebridge/internal/audiosocket"
	"github.com/halyard-ai/voicebridge/internal/frame"
	"github.com/halyard-ai/voicebridge/internal/rtpmedia"
	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// EventKind tags what the frontend reader pulled off the switch stream.
type EventKind int

const (
	EventAudio EventKind = iota
	EventIdentity
	EventHangup
)

// Event is one switch-side occurrence.
type Event struct {
	Kind     EventKind
	Audio    []byte
	Identity audiosocket.Identity
}

// Frontend abstracts the two switch dialects behind one surface. WriteAudio
// must be safe to call concurrently with ReadEvent; the pacer is its only
// caller.
type Frontend interface {
	ReadEvent() (Event, error)
	WriteAudio(payload []byte) error
	SetReadDeadline(t time.Time) error

	// FixedCodec reports the codec when the dialect pins it (RTP); framed-TCP
	// latches from the first AUDIO payload instead.
	FixedCodec() (frame.Codec, bool)

	// Hangup asks the peer to drop the call. Best effort, idempotent.
	Hangup() error
	// ProtocolErrors counts malformed or unknown records tolerated so far.
	ProtocolErrors() uint64
	Close() error
}

// audiosocketFrontend adapts the framed-TCP dialect.
type audiosocketFrontend struct {
	conn   *audiosocket.Conn
	logger commons.Logger
}

// NewAudiosocketFrontend wraps an accepted framed-TCP connection.
func NewAudiosocketFrontend(conn *audiosocket.Conn, logger commons.Logger) Frontend {
	return &audiosocketFrontend{conn: conn, logger: logger}
}

func (f *audiosocketFrontend) ReadEvent() (Event, error) {
	for {
		msg, err := f.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		switch msg.Type {
		case audiosocket.TypeAudio:
			return Event{Kind: EventAudio, Audio: msg.Payload}, nil
		case audiosocket.TypeHangup:
			return Event{Kind: EventHangup}, nil
		case audiosocket.TypeIdentity:
			id, err := audiosocket.ParseIdentity(msg.Payload)
			if err != nil {
				f.logger.Warnw("ignoring unparseable identity record", "error", err)
				continue
			}
			return Event{Kind: EventIdentity, Identity: id}, nil
		}
	}
}

func (f *audiosocketFrontend) WriteAudio(payload []byte) error { return f.conn.WriteAudio(payload) }

func (f *audiosocketFrontend) SetReadDeadline(t time.Time) error { return f.conn.SetReadDeadline(t) }

func (f *audiosocketFrontend) FixedCodec() (frame.Codec, bool) { return frame.CodecUnknown, false }

func (f *audiosocketFrontend) Hangup() error { return f.conn.WriteHangup() }

func (f *audiosocketFrontend) ProtocolErrors() uint64 { return f.conn.ProtocolErrors() }

func (f *audiosocketFrontend) Close() error { return f.conn.Close() }

// rtpFrontend adapts the RTP dialect. Identity arrives out of band with the
// provisioning request, so it is surfaced as the first event.
type rtpFrontend struct {
	media     *rtpmedia.Session
	ari       *rtpmedia.ARIClient
	channelID string
	logger    commons.Logger

	identity     audiosocket.Identity
	identitySent bool
}

// NewRTPFrontend wraps a provisioned RTP media session.
func NewRTPFrontend(media *rtpmedia.Session, ari *rtpmedia.ARIClient, channelID string,
	identity audiosocket.Identity, logger commons.Logger) Frontend {
	return &rtpFrontend{
		media:     media,
		ari:       ari,
		channelID: channelID,
		logger:    logger,
		identity:  identity,
	}
}

func (f *rtpFrontend) ReadEvent() (Event, error) {
	if !f.identitySent {
		f.identitySent = true
		if f.identity.Phone != "" || f.identity.Name != "" {
			return Event{Kind: EventIdentity, Identity: f.identity}, nil
		}
	}
	payload, err := f.media.ReadFrame()
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventAudio, Audio: payload}, nil
}

func (f *rtpFrontend) WriteAudio(payload []byte) error { return f.media.WriteAudio(payload) }

func (f *rtpFrontend) SetReadDeadline(t time.Time) error { return f.media.SetReadDeadline(t) }

func (f *rtpFrontend) FixedCodec() (frame.Codec, bool) { return frame.CodecLinear16k, true }

func (f *rtpFrontend) ProtocolErrors() uint64 { return 0 }

func (f *rtpFrontend) Hangup() error {
	if f.ari == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.ari.Hangup(ctx, f.channelID)
}

func (f *rtpFrontend) Close() error { return f.media.Close() }
