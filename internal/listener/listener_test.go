package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-ai/voicebridge/config"
	"github.com/halyard-ai/voicebridge/pkg/commons"
)

func testBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		AIWSURL:      "ws://127.0.0.1:1",
		APIKey:       "k",
		AISampleRate: 24000,
		ListenHost:   "127.0.0.1",
		ListenPort:   0,
		RTPBindHost:  "127.0.0.1",
		RTPPortStart: 10000,
		RTPPortEnd:   10010,
	}
}

func TestHealthz(t *testing.T) {
	l, err := New(context.Background(), testBridgeConfig(), nil, commons.NewNopLogger())
	require.NoError(t, err)
	router := NewAdminRouter(l, commons.NewNopLogger())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestSessionsEmpty(t *testing.T) {
	l, err := New(context.Background(), testBridgeConfig(), nil, commons.NewNopLogger())
	require.NoError(t, err)
	router := NewAdminRouter(l, commons.NewNopLogger())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []any `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Sessions)
}

func TestRTPCallNeedsControlAPI(t *testing.T) {
	l, err := New(context.Background(), testBridgeConfig(), nil, commons.NewNopLogger())
	require.NoError(t, err)
	router := NewAdminRouter(l, commons.NewNopLogger())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls/rtp",
		strings.NewReader(`{"call_id":"c1","caller_phone":"15551234567"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// TestRTPSessionBindsToListenerContext provisions a call through the admin
// surface before Run ever starts and checks the session still answers to the
// listener's own context, not the request's.
func TestRTPSessionBindsToListenerContext(t *testing.T) {
	// Switch-side RTP sink so paced frames land on a real socket.
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()
	sinkPort := sink.LocalAddr().(*net.UDPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ari/channels/externalMedia", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chan-ctx"}`)
	})
	mux.HandleFunc("/ari/channels/chan-ctx/variable", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("variable") {
		case "UNICASTRTP_LOCAL_ADDRESS":
			fmt.Fprint(w, `{"value":"127.0.0.1"}`)
		case "UNICASTRTP_LOCAL_PORT":
			fmt.Fprintf(w, `{"value":"%d"}`, sinkPort)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/ari/channels/chan-ctx", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // hangup on a gone channel succeeds
	})
	ariSrv := httptest.NewServer(mux)
	defer ariSrv.Close()

	// An AI that accepts the session and stays quiet keeps the call alive
	// until it is cancelled.
	upgrader := websocket.Upgrader{}
	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer aiSrv.Close()

	cfg := testBridgeConfig()
	cfg.ARIURL = ariSrv.URL
	cfg.AIWSURL = "ws" + strings.TrimPrefix(aiSrv.URL, "http")
	cfg.RTPAdvertiseHost = "127.0.0.1"

	ctx, cancel := context.WithCancel(context.Background())
	l, err := New(ctx, cfg, nil, commons.NewNopLogger())
	require.NoError(t, err)

	resp, err := l.StartRTPCall(context.Background(),
		RTPCallRequest{CallID: "call-ctx", CallerPhone: "15551234567"})
	require.NoError(t, err)
	assert.NotZero(t, resp.RTPPort)

	require.Eventually(t, func() bool { return l.Registry().Len() == 1 },
		time.Second, 10*time.Millisecond, "session never registered")

	cancel()
	require.Eventually(t, func() bool { return l.Registry().Len() == 0 },
		2*time.Second, 10*time.Millisecond, "session survived listener shutdown")
}

func TestRTPCallRejectsBadJSON(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.ARIURL = "http://127.0.0.1:1"
	l, err := New(context.Background(), cfg, nil, commons.NewNopLogger())
	require.NoError(t, err)
	router := NewAdminRouter(l, commons.NewNopLogger())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls/rtp", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
