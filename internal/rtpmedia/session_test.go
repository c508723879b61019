package rtpmedia

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

func freeEvenUDPPort(t *testing.T) int {
	t.Helper()
	for i := 0; i < 50; i++ {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		port := c.LocalAddr().(*net.UDPAddr).Port
		_ = c.Close()
		if port%2 == 0 {
			return port
		}
	}
	t.Fatal("no even UDP port found")
	return 0
}

func TestWriteAudioPacketization(t *testing.T) {
	port := freeEvenUDPPort(t)
	s, err := NewSession("127.0.0.1", port, commons.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()
	sinkPort := sink.LocalAddr().(*net.UDPAddr).Port

	require.NoError(t, s.SetRemote("127.0.0.1", sinkPort))

	payload := make([]byte, FrameBytes)
	payload[0] = 0x5A
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteAudio(payload))
	}

	var pkts []rtp.Packet
	buf := make([]byte, 2048)
	_ = sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		n, _, err := sink.ReadFromUDP(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		pkts = append(pkts, pkt)
	}

	assert.True(t, pkts[0].Marker, "first packet carries the marker")
	assert.False(t, pkts[1].Marker)
	assert.False(t, pkts[2].Marker)
	for i, pkt := range pkts {
		assert.EqualValues(t, PayloadTypeL16, pkt.PayloadType, "packet %d", i)
		assert.Equal(t, payload, pkt.Payload, "packet %d", i)
	}
	assert.Equal(t, pkts[0].SequenceNumber+1, pkts[1].SequenceNumber)
	assert.Equal(t, pkts[0].Timestamp+SamplesPerFrame, pkts[1].Timestamp)
	assert.Equal(t, pkts[0].SSRC, pkts[1].SSRC)
}

func TestWriteAudioNeedsRemote(t *testing.T) {
	port := freeEvenUDPPort(t)
	s, err := NewSession("127.0.0.1", port, commons.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.WriteAudio(make([]byte, FrameBytes)))
}

func TestReadFrameSkipsForeignPayloadType(t *testing.T) {
	port := freeEvenUDPPort(t)
	s, err := NewSession("127.0.0.1", port, commons.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer src.Close()
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

	send := func(pt uint8, payload []byte) {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:     2,
				PayloadType: pt,
				SSRC:        7,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = src.WriteToUDP(raw, dst)
		require.NoError(t, err)
	}

	want := make([]byte, FrameBytes)
	want[10] = 0x33
	send(0, make([]byte, 160)) // PCMU, not ours
	send(PayloadTypeL16, want)

	_ = s.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := s.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLocalPort(t *testing.T) {
	port := freeEvenUDPPort(t)
	s, err := NewSession("127.0.0.1", port, commons.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, port, s.LocalPort())
}
