package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/config"
	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

var ErrChannelNotOpen = errors.New("data channel not open")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFromICE builds a pion configuration from the configured ICE
// servers, falling back to DefaultWebRTCConfig when none are set.
func ConfigFromICE(servers []config.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return DefaultWebRTCConfig()
	}
	cfg := webrtc.Configuration{ICEServers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, srv := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	return cfg
}

// Engine opens pion peer connections. It implements core.NegotiationEngine.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

type EngineOption func(*webrtc.SettingEngine)

// WithLoopback includes loopback candidates, for single-host setups and tests.
func WithLoopback() EngineOption {
	return func(se *webrtc.SettingEngine) { se.SetIncludeLoopbackCandidate(true) }
}

func NewEngine(cfg webrtc.Configuration, opts ...EngineOption) *Engine {
	se := webrtc.SettingEngine{}
	for _, opt := range opts {
		opt(&se)
	}
	return &Engine{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}
}

func (e *Engine) NewSession(remote domain.UserID) (core.MediaSession, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &WebRTCConnection{
		pc:     pc,
		remote: remote,
		logger: log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
	}
	c.start()
	return c, nil
}

// WebRTCConnection is one peer connection with at most one data channel.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	logger zerolog.Logger

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	gathered <-chan struct{}
	onOpen   func()
	onMsg    func(string)
	onState  func(domain.PeerState)
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	// The answering side gets its channel from the remote.
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.logger.Info().Str("label", dc.Label()).Msg("OnDataChannel received")
		c.bindChannel(dc)
	})
}

func mapState(s webrtc.PeerConnectionState) domain.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.PeerClosed
	default:
		return domain.PeerNew
	}
}

func (c *WebRTCConnection) bindChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Info().Str("label", dc.Label()).Msg("data channel open")
		c.mu.Lock()
		fn := c.onOpen
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn().Int("len", len(msg.Data)).Msg("binary message dropped")
			return
		}
		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})
}

func (c *WebRTCConnection) OpenChannel(label string) error {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("create data channel %s: %w", label, err)
	}
	c.bindChannel(dc)
	return nil
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return marshalDescription(offer)
}

func (c *WebRTCConnection) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return marshalDescription(answer)
}

func (c *WebRTCConnection) SetLocalDescription(ctx context.Context, desc string) error {
	sd, err := unmarshalDescription(desc)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	c.mu.Lock()
	c.gathered = gathered
	c.mu.Unlock()
	return nil
}

func (c *WebRTCConnection) SetRemoteDescription(ctx context.Context, desc string) error {
	sd, err := unmarshalDescription(desc)
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *WebRTCConnection) AwaitGatheringComplete(ctx context.Context) error {
	c.mu.Lock()
	gathered := c.gathered
	c.mu.Unlock()
	if gathered == nil {
		return errors.New("await gathering: no local description")
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await gathering: %w", ctx.Err())
	}
}

func (c *WebRTCConnection) LocalDescription() (string, error) {
	sd := c.pc.LocalDescription()
	if sd == nil {
		return "", errors.New("no local description")
	}
	return marshalDescription(*sd)
}

func (c *WebRTCConnection) SendText(text string) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.SendText(text)
}

func (c *WebRTCConnection) OnChannelOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnMessage(fn func(string)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(domain.PeerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	c.onOpen, c.onMsg, c.onState = nil, nil, nil
	c.mu.Unlock()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

func marshalDescription(sd webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(sd)
	if err != nil {
		return "", fmt.Errorf("marshal session description: %w", err)
	}
	return string(b), nil
}

func unmarshalDescription(desc string) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal([]byte(desc), &sd); err != nil {
		return sd, fmt.Errorf("unmarshal session description: %w", err)
	}
	return sd, nil
}
