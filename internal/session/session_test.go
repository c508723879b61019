package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-ai/voicebridge/internal/aiclient"
	"github.com/halyard-ai/voicebridge/internal/audiosocket"
	"github.com/halyard-ai/voicebridge/internal/dsp"
	"github.com/halyard-ai/voicebridge/internal/frame"
	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// stubFrontend satisfies Frontend for unit tests. Tests that run the session
// set stop so the reader can be released; the rest never read.
type stubFrontend struct {
	codec frame.Codec
	fixed bool
	stop  chan struct{}
}

func (f *stubFrontend) ReadEvent() (Event, error) {
	if f.stop != nil {
		<-f.stop
		return Event{}, io.EOF
	}
	select {}
}
func (f *stubFrontend) WriteAudio(p []byte) error         { return nil }
func (f *stubFrontend) SetReadDeadline(t time.Time) error { return nil }
func (f *stubFrontend) FixedCodec() (frame.Codec, bool)   { return f.codec, f.fixed }
func (f *stubFrontend) Hangup() error                     { return nil }
func (f *stubFrontend) ProtocolErrors() uint64            { return 0 }
func (f *stubFrontend) Close() error                      { return nil }

func unitConfig() Config {
	return Config{
		CallID:         "call-test",
		AI:             aiclient.Config{URL: "ws://127.0.0.1:1", APIKey: "k", SampleRate: 16000},
		Pipeline:       dspPipeline(16000),
		JitterBufferMS: 240,
		KeepaliveMS:    1000,
	}
}

func dspPipeline(rate int) dsp.PipelineConfig {
	return dsp.PipelineConfig{AISampleRate: rate}
}

func TestLatchDetectsULawFromFrameSize(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.latch(160)
	assert.Equal(t, frame.CodecULaw8k, s.codec)
	assert.Equal(t, 160, s.frameBytes)

	// A second latch is a no-op.
	s.latch(320)
	assert.Equal(t, frame.CodecULaw8k, s.codec)
}

func TestLatchHonorsFixedCodec(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{codec: frame.CodecLinear16k, fixed: true}, commons.NewNopLogger())
	s.latch(640)
	assert.Equal(t, frame.CodecLinear16k, s.codec)
}

func TestEnqueueAIChunksToFrameBytes(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.latch(160) // µ-law 8k, AI at 16 kHz

	// 560 samples of 16 kHz PCM resample to 280 µ-law bytes: one full frame
	// plus a 120-byte remainder that waits for the next delta.
	s.enqueueAI(make([]byte, 1120), false)
	assert.Equal(t, 1, s.queue.Len())
	f, ok := s.queue.Pop()
	require.True(t, ok)
	assert.Len(t, f, 160)

	// The next delta completes the remainder: 120 + 280 bytes make two more
	// full frames.
	s.enqueueAI(make([]byte, 1120), false)
	assert.Equal(t, 2, s.queue.Len())
}

func TestEnqueueAIPriorityPadsImmediately(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.latch(160)

	// 80 samples at 16 kHz become 40 µ-law bytes, padded to one full frame.
	s.enqueueAI(make([]byte, 160), true)
	require.Equal(t, 1, s.queue.Len())
	f, _ := s.queue.Pop()
	require.Len(t, f, 160)
	for i := 40; i < 160; i++ {
		assert.EqualValues(t, 0xFF, f[i], "padding must be µ-law silence at byte %d", i)
	}
}

func TestEnqueueAIBeforeLatchIsParked(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.enqueueAI(make([]byte, 640), false)
	assert.Equal(t, 0, s.queue.Len())

	s.latch(160)
	assert.Equal(t, 1, s.queue.Len(), "parked audio must flush on latch")
}

func TestBargeInFlushesOnlyNormalFrames(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.latch(160)
	s.queue.Push(make([]byte, 160))
	s.queue.Push(make([]byte, 160))
	s.queue.PushPriority(make([]byte, 160))

	s.handleAIEvent(aiclient.Event{Type: aiclient.EventUserSpeaking, Speaking: true})
	assert.Equal(t, 1, s.queue.Len(), "priority audio survives barge-in")
}

func TestBargeInDiscardsPartialFrame(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.latch(160)

	// One full frame plus a 120-byte remainder of the response under way.
	s.enqueueAI(make([]byte, 1120), false)
	require.Equal(t, 1, s.queue.Len())

	s.handleAIEvent(aiclient.Event{Type: aiclient.EventUserSpeaking, Speaking: true})
	assert.Equal(t, 0, s.queue.Len())

	// The next response must start clean. Its first delta is only 80 µ-law
	// bytes, so a queued frame here could only be carrying cancelled audio.
	s.enqueueAI(make([]byte, 320), false)
	assert.Equal(t, 0, s.queue.Len(), "cancelled remainder must not leak into the next response")
	s.enqueueAI(make([]byte, 320), false)
	assert.Equal(t, 1, s.queue.Len())
}

func TestFixedCodecStartsPacerWithoutAudio(t *testing.T) {
	stop := make(chan struct{})
	s := New(unitConfig(), &stubFrontend{codec: frame.CodecLinear16k, fixed: true, stop: stop}, commons.NewNopLogger())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case <-s.codecReady:
	case <-time.After(time.Second):
		t.Fatal("pacer must not wait for inbound audio when the dialect pins the codec")
	}
	s.codecMu.Lock()
	codec, frameBytes := s.codec, s.frameBytes
	s.codecMu.Unlock()
	assert.Equal(t, frame.CodecLinear16k, codec)
	assert.Equal(t, 640, frameBytes)

	close(stop)
	<-done
}

func TestStatsSnapshotBeforeRun(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	st := s.Stats()
	assert.Equal(t, "call-test", st.CallID)
	assert.False(t, st.StartedAt.IsZero(), "a registered call carries its start time before Run")
}

func TestReasonFirstWins(t *testing.T) {
	s := New(unitConfig(), &stubFrontend{}, commons.NewNopLogger())
	s.setReason(ReasonPeerHangup)
	s.setReason(ReasonCompleted)
	assert.Equal(t, ReasonPeerHangup, s.Reason())
}

func TestReplayRingBounded(t *testing.T) {
	r := newReplayRing(3)
	for i := byte(0); i < 5; i++ {
		r.Push([]byte{i})
	}
	got := r.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []byte{2}, got[0], "oldest frames fall off the ring")
	assert.Equal(t, []byte{4}, got[2])
}

// --- end-to-end bridge scenarios -------------------------------------------

type fakeSwitch struct {
	conn net.Conn

	mu       sync.Mutex
	audio    [][]byte
	hangup   bool
	received chan struct{} // closed when enough audio arrived
	want     int
	once     sync.Once
}

func newFakeSwitch(conn net.Conn, wantFrames int) *fakeSwitch {
	fs := &fakeSwitch{conn: conn, want: wantFrames, received: make(chan struct{})}
	go fs.readLoop()
	return fs
}

func (fs *fakeSwitch) readLoop() {
	hdr := make([]byte, 3)
	for {
		if _, err := ioReadFull(fs.conn, hdr); err != nil {
			return
		}
		length := int(hdr[1])<<8 | int(hdr[2])
		payload := make([]byte, length)
		if _, err := ioReadFull(fs.conn, payload); err != nil {
			return
		}
		fs.mu.Lock()
		switch hdr[0] {
		case audiosocket.TypeAudio:
			fs.audio = append(fs.audio, payload)
			if len(fs.audio) >= fs.want {
				fs.once.Do(func() { close(fs.received) })
			}
		case audiosocket.TypeHangup:
			fs.hangup = true
		}
		fs.mu.Unlock()
	}
}

func ioReadFull(r net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (fs *fakeSwitch) writeRecord(typ byte, payload []byte) error {
	buf := make([]byte, 3+len(payload))
	buf[0] = typ
	buf[1] = byte(len(payload) >> 8)
	buf[2] = byte(len(payload))
	copy(buf[3:], payload)
	_, err := fs.conn.Write(buf)
	return err
}

func (fs *fakeSwitch) sawHangup() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hangup
}

func (fs *fakeSwitch) audioFrames() [][]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([][]byte, len(fs.audio))
	copy(out, fs.audio)
	return out
}

// aiScript drives the fake AI side of an end-to-end call.
type aiScript struct {
	t       *testing.T
	onAudio func(n int, c *websocket.Conn)
	// identity receives the caller phone/name, whether it arrived on init or
	// on a later update_phone.
	identity   chan map[string]any
	toolResult chan map[string]any
	cancels    chan map[string]any
}

func startFakeAI(t *testing.T, script *aiScript) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var init map[string]any
		require.NoError(t, c.ReadJSON(&init))
		require.Equal(t, "init", init["type"])
		if phone, _ := init["user_phone"].(string); phone != "" && script.identity != nil {
			script.identity <- init
		}
		_ = c.WriteJSON(map[string]any{"type": "session_ready"})

		audioCount := 0
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				audioCount++
				if script.onAudio != nil {
					script.onAudio(audioCount, c)
				}
				continue
			}
			var m map[string]any
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch m["type"] {
			case "update_phone":
				if script.identity != nil {
					script.identity <- m
				}
			case "tool_result":
				if script.toolResult != nil {
					script.toolResult <- m
				}
			case "cancel_response":
				if script.cancels != nil {
					script.cancels <- m
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func e2eConfig(url string) Config {
	return Config{
		CallID: "call-e2e",
		AI: aiclient.Config{
			URL:         url,
			APIKey:      "k",
			SampleRate:  16000,
			BinaryAudio: true,
		},
		Policy:   aiclient.ReconnectPolicy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond},
		Pipeline: dspPipeline(16000),
		// Short preroll keeps the test fast; the pacer clamps to 5 frames.
		JitterBufferMS: 100,
		KeepaliveMS:    1000,
	}
}

func pcm16SineBytes(samples int, rate int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(6000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestBridgeEndToEndULaw(t *testing.T) {
	identity := make(chan map[string]any, 2)
	script := &aiScript{t: t, identity: identity}
	script.onAudio = func(n int, c *websocket.Conn) {
		if n == 5 {
			// Half a second of tone, then hang up once it has had time to
			// play out.
			_ = c.WriteJSON(map[string]any{
				"type":  "audio_delta",
				"audio": base64.StdEncoding.EncodeToString(pcm16SineBytes(8000, 16000)),
			})
			go func() {
				time.Sleep(400 * time.Millisecond)
				_ = c.WriteJSON(map[string]any{"type": "call_ended"})
			}()
		}
	}
	url := startFakeAI(t, script)

	switchConn, bridgeConn := net.Pipe()
	fs := newFakeSwitch(switchConn, 15)

	fe := NewAudiosocketFrontend(audiosocket.NewConn(bridgeConn, commons.NewNopLogger()), commons.NewNopLogger())
	s := New(e2eConfig(url), fe, commons.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	// Identity first, then a steady stream of µ-law frames.
	require.NoError(t, fs.writeRecord(audiosocket.TypeIdentity, []byte("ast-1724580000-15551234567-Jane")))
	stopFeed := make(chan struct{})
	go func() {
		payload := make([]byte, 160)
		for i := range payload {
			payload[i] = 0xFF
		}
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeed:
				return
			case <-ticker.C:
				if fs.writeRecord(audiosocket.TypeAudio, payload) != nil {
					return
				}
			}
		}
	}()
	defer close(stopFeed)

	select {
	case <-fs.received:
	case <-ctx.Done():
		t.Fatal("switch never received paced audio")
	}

	require.NoError(t, <-runErr)
	assert.Equal(t, ReasonCompleted, s.Reason())

	select {
	case ph := <-identity:
		assert.Equal(t, "15551234567", ph["user_phone"])
		assert.Equal(t, "Jane", ph["user_name"])
	case <-time.After(time.Second):
		t.Fatal("caller identity never reached the AI")
	}

	st := s.Stats()
	assert.Equal(t, "ulaw/8k", st.Codec)
	assert.Greater(t, st.FramesIn, uint64(0))

	frames := fs.audioFrames()
	require.NotEmpty(t, frames)
	var sawTone bool
	for _, f := range frames {
		assert.Len(t, f, 160, "paced frames must match the latched frame size")
		for _, b := range f {
			if b != 0xFF {
				sawTone = true
				break
			}
		}
	}
	assert.True(t, sawTone, "the AI tone must reach the switch")
	assert.True(t, fs.sawHangup(), "teardown ends with a HANGUP record")
}

func TestBridgeBargeInSendsCancelResponse(t *testing.T) {
	cancels := make(chan map[string]any, 4)
	script := &aiScript{t: t, cancels: cancels}
	script.onAudio = func(n int, c *websocket.Conn) {
		switch n {
		case 3:
			// Start a response, then report the caller talking over it.
			_ = c.WriteJSON(map[string]any{
				"type":  "audio_delta",
				"audio": base64.StdEncoding.EncodeToString(pcm16SineBytes(1600, 16000)),
			})
			_ = c.WriteJSON(map[string]any{"type": "user_speaking", "speaking": true})
		case 20:
			_ = c.WriteJSON(map[string]any{"type": "call_ended"})
		}
	}
	url := startFakeAI(t, script)

	switchConn, bridgeConn := net.Pipe()
	fs := newFakeSwitch(switchConn, 1)

	fe := NewAudiosocketFrontend(audiosocket.NewConn(bridgeConn, commons.NewNopLogger()), commons.NewNopLogger())
	s := New(e2eConfig(url), fe, commons.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	stopFeed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeed:
				return
			case <-ticker.C:
				if fs.writeRecord(audiosocket.TypeAudio, make([]byte, 160)) != nil {
					return
				}
			}
		}
	}()
	defer close(stopFeed)

	select {
	case <-cancels:
	case <-ctx.Done():
		t.Fatal("cancel_response never reached the AI")
	}

	require.NoError(t, <-runErr)
	assert.Equal(t, ReasonCompleted, s.Reason())
	assert.Empty(t, cancels, "one barge-in sends exactly one cancel_response")
}

func TestBridgePeerHangup(t *testing.T) {
	script := &aiScript{t: t}
	url := startFakeAI(t, script)

	switchConn, bridgeConn := net.Pipe()
	fs := newFakeSwitch(switchConn, 1)

	fe := NewAudiosocketFrontend(audiosocket.NewConn(bridgeConn, commons.NewNopLogger()), commons.NewNopLogger())
	s := New(e2eConfig(url), fe, commons.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	require.NoError(t, fs.writeRecord(audiosocket.TypeAudio, make([]byte, 160)))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, fs.writeRecord(audiosocket.TypeHangup, nil))

	require.NoError(t, <-runErr)
	assert.Equal(t, ReasonPeerHangup, s.Reason())
}

func TestBridgeToolCallEndCall(t *testing.T) {
	toolResult := make(chan map[string]any, 1)
	script := &aiScript{t: t, toolResult: toolResult}
	script.onAudio = func(n int, c *websocket.Conn) {
		if n == 3 {
			_ = c.WriteJSON(map[string]any{
				"type": "tool_call", "name": "end_call",
				"arguments": map[string]any{}, "call_id": "tc-end",
			})
		}
	}
	url := startFakeAI(t, script)

	switchConn, bridgeConn := net.Pipe()
	fs := newFakeSwitch(switchConn, 1)

	cfg := e2eConfig(url)
	var toolName string
	var toolMu sync.Mutex
	cfg.Tools = func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		toolMu.Lock()
		toolName = name
		toolMu.Unlock()
		return json.RawMessage(`{"status":"done"}`), nil
	}

	fe := NewAudiosocketFrontend(audiosocket.NewConn(bridgeConn, commons.NewNopLogger()), commons.NewNopLogger())
	s := New(cfg, fe, commons.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	stopFeed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeed:
				return
			case <-ticker.C:
				if fs.writeRecord(audiosocket.TypeAudio, make([]byte, 160)) != nil {
					return
				}
			}
		}
	}()
	defer close(stopFeed)

	res := <-toolResult
	assert.Equal(t, "tc-end", res["call_id"])
	assert.Equal(t, map[string]any{"status": "done"}, res["result"])

	require.NoError(t, <-runErr)
	assert.Equal(t, ReasonCompleted, s.Reason())
	toolMu.Lock()
	assert.Equal(t, "end_call", toolName)
	toolMu.Unlock()
	assert.True(t, fs.sawHangup())
}
