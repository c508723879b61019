// Package listener accepts calls from the switch on both dialects and
// spawns one session per call.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/voicebridge/config"
	"github.com/halyard-ai/voicebridge/internal/aiclient"
	"github.com/halyard-ai/voicebridge/internal/audiosocket"
	"github.com/halyard-ai/voicebridge/internal/dsp"
	"github.com/halyard-ai/voicebridge/internal/rtpmedia"
	"github.com/halyard-ai/voicebridge/internal/session"
	"github.com/halyard-ai/voicebridge/pkg/commons"
)

const ariAppName = "voicebridge"

// Listener owns the framed-TCP acceptor, the RTP port pool and the live
// session registry.
type Listener struct {
	cfg      *config.BridgeConfig
	logger   commons.Logger
	registry *session.Registry
	ports    *rtpmedia.PortAllocator
	ari      *rtpmedia.ARIClient
	tools    session.ToolHandler

	// baseCtx scopes session lifetimes to the listener, not to whichever
	// HTTP request provisioned the call. Fixed at construction so sessions
	// spawned before Run still observe it.
	baseCtx context.Context

	wg sync.WaitGroup
}

// New wires a listener. ctx scopes the lifetime of every session the
// listener spawns, including calls provisioned through the admin API before
// Run starts; pass the same context to Run. The ARI client is only built
// when the control API is configured; framed-TCP calls work without it.
func New(ctx context.Context, cfg *config.BridgeConfig, tools session.ToolHandler, logger commons.Logger) (*Listener, error) {
	ports, err := rtpmedia.NewPortAllocator(cfg.RTPPortStart, cfg.RTPPortEnd)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		cfg:      cfg,
		logger:   logger,
		registry: session.NewRegistry(),
		ports:    ports,
		tools:    tools,
		baseCtx:  ctx,
	}
	if cfg.ARIURL != "" {
		l.ari = rtpmedia.NewARIClient(cfg.ARIURL, cfg.ARIUser, cfg.ARIPassword, ariAppName, logger)
	}
	return l, nil
}

// Registry exposes the live sessions for the admin API.
func (l *Listener) Registry() *session.Registry { return l.registry }

// Run accepts framed-TCP connections until the context is cancelled, then
// waits for live calls to finish draining.
func (l *Listener) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", l.cfg.ListenHost, l.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: binding %s: %w", addr, err)
	}
	l.logger.Infow("accepting switch connections", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warnw("accept failed", "error", err)
			continue
		}
		l.spawnAudiosocket(conn)
	}

	l.wg.Wait()
	return nil
}

func (l *Listener) spawnAudiosocket(raw net.Conn) {
	callID := uuid.NewString()
	l.logger.Infow("switch connected", "call_id", callID, "remote", raw.RemoteAddr().String())

	fe := session.NewAudiosocketFrontend(audiosocket.NewConn(raw, l.logger), l.logger)
	sess := session.New(l.sessionConfig(callID, nil), fe, l.logger)
	l.runSession(callID, sess)
}

// RTPCallRequest provisions one ExternalMedia call; it arrives on the admin
// API from the switch's dialplan application.
type RTPCallRequest struct {
	CallID      string `json:"call_id"`
	CallerPhone string `json:"caller_phone"`
	CallerName  string `json:"caller_name"`
}

// RTPCallResponse reports where the switch should send its RTP.
type RTPCallResponse struct {
	CallID  string `json:"call_id"`
	RTPPort int    `json:"rtp_port"`
}

// StartRTPCall allocates a media port, provisions the switch-side channel
// through the control API and spawns the session.
func (l *Listener) StartRTPCall(ctx context.Context, req RTPCallRequest) (*RTPCallResponse, error) {
	if l.ari == nil {
		return nil, fmt.Errorf("listener: RTP calls need the control API configured")
	}
	callID := req.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	port, err := l.ports.Allocate()
	if err != nil {
		return nil, err
	}
	media, err := rtpmedia.NewSession(l.cfg.RTPBindHost, port, l.logger)
	if err != nil {
		l.ports.Release(port)
		return nil, err
	}

	externalHost := net.JoinHostPort(l.cfg.RTPAdvertiseHost, fmt.Sprintf("%d", port))
	channel, err := l.ari.CreateExternalMedia(ctx, callID, externalHost)
	if err != nil {
		_ = media.Close()
		l.ports.Release(port)
		return nil, err
	}
	// The reported endpoint is authoritative for this call only.
	if err := media.SetRemote(channel.Host, channel.Port); err != nil {
		_ = media.Close()
		l.ports.Release(port)
		return nil, err
	}

	identity := audiosocket.Identity{CallRef: channel.ChannelID, Phone: req.CallerPhone, Name: req.CallerName}
	fe := session.NewRTPFrontend(media, l.ari, channel.ChannelID, identity, l.logger)

	cfg := l.sessionConfig(callID, func(ctx context.Context) error {
		return l.ari.ContinueDialplan(ctx, channel.ChannelID)
	})
	sess := session.New(cfg, fe, l.logger)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.ports.Release(port)
		l.registry.Add(sess)
		defer l.registry.Remove(callID)
		if err := sess.Run(l.baseCtx); err != nil {
			l.logger.Errorw("call failed", "call_id", callID, "error", err)
		}
	}()
	return &RTPCallResponse{CallID: callID, RTPPort: port}, nil
}

func (l *Listener) runSession(callID string, sess *session.Session) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.registry.Add(sess)
		defer l.registry.Remove(callID)
		if err := sess.Run(l.baseCtx); err != nil {
			l.logger.Errorw("call failed", "call_id", callID, "error", err)
		}
	}()
}

func (l *Listener) sessionConfig(callID string, transfer func(context.Context) error) session.Config {
	return session.Config{
		CallID: callID,
		AI: aiclient.Config{
			URL:          l.cfg.AIWSURL,
			APIKey:       l.cfg.APIKey,
			Voice:        l.cfg.AIVoice,
			Model:        l.cfg.AIModel,
			SystemPrompt: l.cfg.SystemPrompt,
			SampleRate:   l.cfg.AISampleRate,
			BinaryAudio:  !l.cfg.AIAudioJSON,
			VADThreshold: l.cfg.VADThreshold,
			VADPrefixMS:  l.cfg.VADPrefixPaddingMS,
			VADSilenceMS: l.cfg.VADSilenceDurationMS,
		},
		Policy: aiclient.ReconnectPolicy{
			MaxAttempts: l.cfg.MaxReconnectAttempts,
			BaseDelay:   time.Duration(l.cfg.ReconnectBaseDelayS * float64(time.Second)),
		},
		Pipeline: dsp.PipelineConfig{
			AISampleRate:       l.cfg.AISampleRate,
			VolumeBoost:        l.cfg.VolumeBoost,
			NoiseGateThreshold: l.cfg.NoiseGateThreshold,
			PreEmphasisCoeff:   l.cfg.PreEmphasisCoeff,
			TargetRMS:          l.cfg.TargetRMS,
			SendNativeULaw:     l.cfg.SendNativeUlaw,
		},
		JitterBufferMS: l.cfg.JitterBufferMS,
		KeepaliveMS:    l.cfg.KeepaliveMS,
		Tools:          l.tools,
		Transfer:       transfer,
	}
}
