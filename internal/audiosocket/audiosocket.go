// Package audiosocket implements the framed-TCP switch dialect: a record
// stream of `type:uint8 | length:uint16 big-endian | payload`. The same
// framing is used in both directions.
package audiosocket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// Record types.
const (
	TypeHangup   byte = 0x00
	TypeIdentity byte = 0x01
	TypeAudio    byte = 0x10
)

var (
	// ErrTruncated reports EOF in the middle of a record.
	ErrTruncated = errors.New("audiosocket: truncated record")
	// ErrProtocol reports a record of unknown non-zero type.
	ErrProtocol = errors.New("audiosocket: protocol error")
)

// Message is one record read off the stream.
type Message struct {
	Type    byte
	Payload []byte
}

// Conn wraps a switch TCP connection with record framing. Reads are only
// safe from one goroutine; writes are serialized internally so the pacer and
// the supervisor can both emit records.
type Conn struct {
	logger commons.Logger
	raw    net.Conn
	br     *bufio.Reader

	writeMu sync.Mutex

	protocolErrs atomic.Uint64
}

// NewConn wraps an accepted switch connection.
func NewConn(raw net.Conn, logger commons.Logger) *Conn {
	return &Conn{
		logger: logger,
		raw:    raw,
		br:     bufio.NewReaderSize(raw, 4096),
	}
}

// ReadMessage reads the next record. Records of unknown non-zero type are
// logged, counted and skipped; the read continues with the next record. A
// zero-length payload is legal. EOF mid-record reports ErrTruncated.
func (c *Conn) ReadMessage() (Message, error) {
	var hdr [3]byte
	for {
		if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
			if err == io.EOF {
				return Message{}, io.EOF
			}
			// Deadline expiry between records is a soft condition the caller
			// retries on; only a short read is a framing fault.
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return Message{}, err
			}
			return Message{}, fmt.Errorf("%w: header: %v", ErrTruncated, err)
		}
		length := binary.BigEndian.Uint16(hdr[1:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return Message{}, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
		}

		switch hdr[0] {
		case TypeHangup, TypeIdentity, TypeAudio:
			return Message{Type: hdr[0], Payload: payload}, nil
		default:
			c.protocolErrs.Add(1)
			c.logger.Warnw("skipping record of unknown type",
				"type", fmt.Sprintf("0x%02x", hdr[0]),
				"length", length,
				"error", ErrProtocol.Error())
		}
	}
}

// SetReadDeadline sets the deadline for the next ReadMessage.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// WriteAudio emits one AUDIO record.
func (c *Conn) WriteAudio(payload []byte) error {
	return c.writeRecord(TypeAudio, payload)
}

// WriteHangup emits a zero-length HANGUP record, asking the peer to tear the
// call down.
func (c *Conn) WriteHangup() error {
	return c.writeRecord(TypeHangup, nil)
}

func (c *Conn) writeRecord(typ byte, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("%w: payload of %d bytes exceeds framing limit", ErrProtocol, len(payload))
	}
	buf := make([]byte, 3+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write(buf)
	return err
}

// ProtocolErrors returns the number of unknown-type records skipped so far.
func (c *Conn) ProtocolErrors() uint64 { return c.protocolErrs.Load() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr reports the switch's address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Identity is the parsed payload of an IDENTITY record.
type Identity struct {
	CallRef string // the switch's identifier for the call
	Phone   string
	Name    string
}

// ParseIdentity accepts both IDENTITY payload encodings: the delimited ASCII
// form `ast-<epoch>-<phone>[-<name>…]` and a raw 16-byte binary UUID, from
// which the phone is taken as the last 12 hex digits.
func ParseIdentity(payload []byte) (Identity, error) {
	if len(payload) == 16 {
		if id, err := uuid.FromBytes(payload); err == nil {
			s := id.String()
			return Identity{
				CallRef: s,
				Phone:   strings.ReplaceAll(s, "-", "")[20:],
			}, nil
		}
	}

	s := string(payload)
	if !strings.HasPrefix(s, "ast-") {
		return Identity{}, fmt.Errorf("%w: unrecognized identity payload (%d bytes)", ErrProtocol, len(payload))
	}
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return Identity{}, fmt.Errorf("%w: identity %q missing phone segment", ErrProtocol, s)
	}
	id := Identity{CallRef: s, Phone: parts[2]}
	if len(parts) > 3 {
		id.Name = strings.Join(parts[3:], " ")
	}
	return id, nil
}
