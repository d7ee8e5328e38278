// Package peer drives the negotiation engine on behalf of the scheduler.
// It holds at most one media session; a new negotiation replaces it.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

const (
	DefaultChannelLabel  = "data/userid"
	DefaultGatherTimeout = 10 * time.Second
)

type Options struct {
	ChannelLabel  string
	GatherTimeout time.Duration
}

type Orchestrator struct {
	att    core.Attachment
	engine core.NegotiationEngine
	opts   Options
	logger zerolog.Logger

	// Owned by the Run goroutine.
	cur *session
}

type session struct {
	remote domain.UserID
	media  core.MediaSession

	mu      sync.Mutex
	open    bool
	closed  bool
	pending []string
}

func New(att core.Attachment, engine core.NegotiationEngine, opts Options) *Orchestrator {
	if opts.ChannelLabel == "" {
		opts.ChannelLabel = DefaultChannelLabel
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	return &Orchestrator{
		att:    att,
		engine: engine,
		opts:   opts,
		logger: log.With().Str("module", "peer").Logger(),
	}
}

func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.dispose()
	o.logger.Info().Msg("peer orchestrator started")
	for {
		cmd, err := o.att.Inbox.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, core.ErrMailboxClosed) {
				o.logger.Info().Msg("peer orchestrator stopped")
				return nil
			}
			return err
		}
		o.Handle(ctx, cmd)
	}
}

// Handle processes one command from the scheduler.
func (o *Orchestrator) Handle(ctx context.Context, cmd core.Command) {
	switch c := cmd.(type) {
	case core.NewPeerConnection:
		o.fail(c.Remote, o.offer(ctx, c.Remote))
	case core.EstablishConnection:
		if c.IsReply {
			o.fail(c.Remote, o.complete(ctx, c.Remote, c.SDP))
		} else {
			o.fail(c.Remote, o.answer(ctx, c.Remote, c.SDP))
		}
	case core.SendOnChannel:
		o.send(c.Remote, c.Text)
	case core.ClosePeerConnection:
		if o.cur != nil && o.cur.remote == c.Remote {
			o.dispose()
		}
	default:
		o.logger.Warn().Str("command", fmt.Sprintf("%T", cmd)).Msg("unexpected command")
	}
}

// offer runs on the accepting side: it creates the session and the channel
// and produces the first descriptor.
func (o *Orchestrator) offer(ctx context.Context, remote domain.UserID) error {
	s, err := o.open(remote)
	if err != nil {
		return err
	}
	if err := s.media.OpenChannel(o.opts.ChannelLabel); err != nil {
		return err
	}
	desc, err := s.media.CreateOffer(ctx)
	if err != nil {
		return err
	}
	local, err := o.gather(ctx, s, desc)
	if err != nil {
		return err
	}
	return o.report(core.CallAnswerDescriptor{Remote: remote, SDP: core.EncodeSDP(local)})
}

// answer runs on the requesting side with the acceptor's descriptor.
func (o *Orchestrator) answer(ctx context.Context, remote domain.UserID, sdp domain.SDP) error {
	raw, err := core.DecodeSDP(sdp)
	if err != nil {
		return err
	}
	s, err := o.open(remote)
	if err != nil {
		return err
	}
	if err := s.media.SetRemoteDescription(ctx, raw); err != nil {
		return err
	}
	desc, err := s.media.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	local, err := o.gather(ctx, s, desc)
	if err != nil {
		return err
	}
	return o.report(core.CallReplyDescriptor{Remote: remote, SDP: core.EncodeSDP(local)})
}

// complete applies the requester's reply to the session opened by offer.
func (o *Orchestrator) complete(ctx context.Context, remote domain.UserID, sdp domain.SDP) error {
	if o.cur == nil || o.cur.remote != remote {
		return fmt.Errorf("reply from %q without a session", remote)
	}
	raw, err := core.DecodeSDP(sdp)
	if err != nil {
		return err
	}
	return o.cur.media.SetRemoteDescription(ctx, raw)
}

func (o *Orchestrator) open(remote domain.UserID) (*session, error) {
	if o.cur != nil {
		o.logger.Warn().Str("remote", string(o.cur.remote)).Msg("replacing active session")
		o.dispose()
	}
	media, err := o.engine.NewSession(remote)
	if err != nil {
		return nil, err
	}
	s := &session{remote: remote, media: media}
	o.bind(s)
	o.cur = s
	o.logger.Info().Str("remote", string(remote)).Msg("session opened")
	return s, nil
}

func (o *Orchestrator) bind(s *session) {
	s.media.OnChannelOpen(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.open = true
		for _, text := range s.pending {
			if err := s.media.SendText(text); err != nil {
				o.logger.Error().Err(err).Str("remote", string(s.remote)).Msg("flush queued message")
			}
		}
		s.pending = nil
	})
	s.media.OnMessage(func(text string) {
		if s.isClosed() {
			return
		}
		_ = o.report(core.MessageReceived{Remote: s.remote, Text: text})
	})
	s.media.OnStateChange(func(st domain.PeerState) {
		if s.isClosed() {
			return
		}
		_ = o.report(core.PeerStateChanged{Remote: s.remote, State: st})
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (o *Orchestrator) gather(ctx context.Context, s *session, desc string) (string, error) {
	if err := s.media.SetLocalDescription(ctx, desc); err != nil {
		return "", err
	}
	gctx, cancel := context.WithTimeout(ctx, o.opts.GatherTimeout)
	defer cancel()
	if err := s.media.AwaitGatheringComplete(gctx); err != nil {
		return "", err
	}
	return s.media.LocalDescription()
}

func (o *Orchestrator) send(remote domain.UserID, text string) {
	s := o.cur
	if s == nil || s.remote != remote {
		o.logger.Warn().Str("remote", string(remote)).Msg("no session, message dropped")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.pending = append(s.pending, text)
		return
	}
	if err := s.media.SendText(text); err != nil {
		o.logger.Error().Err(err).Str("remote", string(remote)).Msg("send on channel")
	}
}

func (o *Orchestrator) fail(remote domain.UserID, err error) {
	if err == nil {
		return
	}
	o.logger.Error().Err(err).Str("remote", string(remote)).Msg("negotiation failed")
	if o.cur != nil && o.cur.remote == remote {
		o.dispose()
	}
	_ = o.report(core.NegotiationFailed{Remote: remote, Reason: err.Error()})
}

func (o *Orchestrator) dispose() {
	s := o.cur
	if s == nil {
		return
	}
	o.cur = nil
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	if err := s.media.Close(); err != nil {
		o.logger.Error().Err(err).Str("remote", string(s.remote)).Msg("close session")
	}
}

func (o *Orchestrator) report(cmd core.Command) error {
	if err := o.att.Scheduler.Send(cmd); err != nil {
		o.logger.Error().Err(err).Str("command", fmt.Sprintf("%T", cmd)).Msg("scheduler unreachable")
		return err
	}
	return nil
}
