package rtpmedia

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// Wire parameters of the switch-side stream: L16/16000 mono, 20 ms frames.
const (
	PayloadTypeL16   = 11
	ClockRate        = 16000
	SamplesPerFrame  = 320
	FrameBytes       = SamplesPerFrame * 2
	readBufferSize = 2048
	rtpVersion     = 2
)

// Session is the UDP socket pair of one call. The socket receives inbound
// RTP from the switch and sends outbound RTP to the address the control API
// reported for this call. Egress never produces CSRC entries or header
// extensions; ingress tolerates both, and padding is honored.
type Session struct {
	logger commons.Logger
	conn   *net.UDPConn
	port   int

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	writeMu sync.Mutex
	seq     uint16
	ts      uint32
	ssrc    uint32
	started bool
}

// NewSession binds the pre-allocated even port. Sequence number and timestamp
// start at random values per RFC 3550.
func NewSession(bindHost string, port int, logger commons.Logger) (*Session, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindHost), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtpmedia: binding %s:%d: %w", bindHost, port, err)
	}
	return &Session{
		logger: logger,
		conn:   conn,
		port:   port,
		seq:    uint16(rand.Intn(1 << 16)),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
	}, nil
}

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int { return s.port }

// SetRemote points egress at the host/port the switch control API reported.
// The reply is authoritative per call and must never be cached across calls,
// so this is always set from a fresh provisioning response.
func (s *Session) SetRemote(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("rtpmedia: resolving remote %s:%d: %w", host, port, err)
	}
	s.remoteMu.Lock()
	s.remote = addr
	s.remoteMu.Unlock()
	return nil
}

// WriteAudio packetizes one 20 ms L16 frame and sends it. The marker bit is
// set only on the first packet of the stream; the timestamp advances by
// exactly SamplesPerFrame per packet.
func (s *Session) WriteAudio(payload []byte) error {
	s.remoteMu.RLock()
	remote := s.remote
	s.remoteMu.RUnlock()
	if remote == nil {
		return fmt.Errorf("rtpmedia: remote endpoint not provisioned yet")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			Marker:         !s.started,
			PayloadType:    PayloadTypeL16,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtpmedia: marshalling packet: %w", err)
	}
	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("rtpmedia: sending packet: %w", err)
	}

	s.started = true
	s.seq++
	s.ts += SamplesPerFrame
	return nil
}

// ReadFrame blocks for the next inbound RTP packet and returns its payload.
// Packets with a foreign payload type are skipped. pion strips padding and
// carries CSRC/extension data in the header, which we ignore.
func (s *Session) ReadFrame() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Warnw("dropping malformed RTP packet", "bytes", n, "error", err)
			continue
		}
		if pkt.PayloadType != PayloadTypeL16 || len(pkt.Payload) == 0 {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		return payload, nil
	}
}

// SetReadDeadline bounds the next ReadFrame.
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close releases the socket. Idempotent via the net package semantics.
func (s *Session) Close() error {
	return s.conn.Close()
}
