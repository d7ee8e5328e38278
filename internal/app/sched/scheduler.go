// Package sched routes commands between the coupler, the negotiation
// orchestrator and the presentation layer. The Scheduler is the only writer
// of the connection table; it processes one command at a time, in arrival
// order, and pushes a full snapshot to the presentation after each change.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

var (
	// ErrProtocol marks a command that cannot be applied in the current progress.
	ErrProtocol = errors.New("protocol error")
	// ErrUnsupported marks a command the scheduler does not consume.
	ErrUnsupported = errors.New("unsupported command")
	// ErrBusy is returned when another remote is already mid-negotiation.
	ErrBusy = errors.New("another call is in progress")
)

type Scheduler struct {
	registry *Registry
	inbox    *core.Mailbox
	state    *domain.ConnectionState

	// partner mirrors the relay's pairing: wire answers, replies and hangups
	// carry no sender, they always come from the last peer we were paired with.
	partner domain.UserID

	// published is set once the command being applied pushed a snapshot.
	published bool

	now    func() time.Time
	logger zerolog.Logger
}

func New() *Scheduler {
	return &Scheduler{
		registry: NewRegistry(),
		inbox:    core.NewMailbox(),
		state:    domain.NewConnectionState(),
		now:      time.Now,
		logger:   log.With().Str("module", "sched").Logger(),
	}
}

// Attach creates the attachment for component. The component drains the
// returned Inbox and reports back through its Scheduler sender.
func (s *Scheduler) Attach(component core.Component) core.Attachment {
	inbox := core.NewMailbox()
	s.registry.Bind(component, inbox)
	return core.Attachment{Inbox: inbox, Scheduler: s.inbox}
}

// Inbox is the scheduler's own queue, shared by every attachment.
func (s *Scheduler) Inbox() core.Sender { return s.inbox }

// Run consumes the inbox until ctx is done. Rejected commands are logged and
// dropped; only a closed component inbox stops the loop with an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.registry.CloseAll()
	s.logger.Info().Msg("scheduler started")
	for {
		cmd, err := s.inbox.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("scheduler ctx done")
				return nil
			}
			return err
		}
		if err := s.Apply(cmd); err != nil {
			if errors.Is(err, core.ErrMailboxClosed) {
				s.logger.Error().Err(err).Msg("component went away")
				return err
			}
			s.logger.Warn().Err(err).Str("command", fmt.Sprintf("%T", cmd)).Msg("command dropped")
		}
	}
}

// Apply processes a single command to completion: state first, then the
// snapshot, then the derived commands.
func (s *Scheduler) Apply(cmd core.Command) error {
	s.logger.Debug().Str("command", fmt.Sprintf("%T", cmd)).Msg("apply")
	s.published = false
	known := len(s.state.Connections)
	err := s.dispatch(cmd)
	// A lazily created entry is a mutation too, even when the command failed.
	if len(s.state.Connections) != known && !s.published {
		if perr := s.publish(); perr != nil {
			return perr
		}
	}
	return err
}

func (s *Scheduler) dispatch(cmd core.Command) error {
	switch c := cmd.(type) {
	case core.RequestCall:
		return s.requestCall(c.Remote)
	case core.AnswerCall:
		return s.answerCall(c.Accepted, c.Remote)
	case core.SendMessage:
		return s.sendMessage(c.Remote, c.Text)
	case core.HangUp:
		return s.hangUp(c.Remote)

	case core.SignalSetClientID:
		return s.setClientID(c.ID)
	case core.SignalCallRequest:
		return s.callRequestReceived(c.Remote)
	case core.SignalCallRequestFailure:
		return s.callRequestFailed()
	case core.SignalCallAnswer:
		return s.callAnswerReceived(c.Accepted, c.SDP)
	case core.SignalCallReply:
		return s.callReplyReceived(c.SDP)
	case core.SignalHangup:
		return s.remoteHungUp()

	case core.CallAnswerDescriptor:
		return s.answerDescriptorReady(c.Remote, c.SDP)
	case core.CallReplyDescriptor:
		return s.replyDescriptorReady(c.Remote, c.SDP)
	case core.PeerStateChanged:
		return s.peerStateChanged(c.Remote, c.State)
	case core.MessageReceived:
		return s.messageReceived(c.Remote, c.Text)
	case core.NegotiationFailed:
		return s.negotiationFailed(c.Remote, c.Reason)

	case core.StateSnapshot, core.NewPeerConnection, core.EstablishConnection,
		core.SendOnChannel, core.ClosePeerConnection:
		return fmt.Errorf("%w: %T is addressed to a component, not the scheduler", ErrUnsupported, cmd)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, cmd)
	}
}

func (s *Scheduler) emit(component core.Component, cmd core.Command) error {
	inbox, ok := s.registry.Get(component)
	if !ok {
		s.logger.Warn().Str("component", component.String()).Str("command", fmt.Sprintf("%T", cmd)).Msg("component not attached, command dropped")
		return nil
	}
	if err := inbox.Send(cmd); err != nil {
		return fmt.Errorf("send %T to %s: %w", cmd, component, err)
	}
	return nil
}

func (s *Scheduler) publish() error {
	s.published = true
	return s.emit(core.ComponentPresentation, core.StateSnapshot{State: s.state.Snapshot()})
}

func protocolErr(c *domain.Connection, event string) error {
	return fmt.Errorf("%w: %s while %s with %q", ErrProtocol, event, c.Progress, c.Remote)
}

// partnerConn resolves wire commands that do not name the remote.
func (s *Scheduler) partnerConn(event string) (*domain.Connection, error) {
	if s.partner == "" {
		return nil, fmt.Errorf("%w: %s with no call in progress", ErrProtocol, event)
	}
	return s.state.Get(s.partner), nil
}

// busy reports whether a remote other than r is past the request stage.
func (s *Scheduler) busy(r domain.UserID) bool {
	for id, c := range s.state.Connections {
		if id == r {
			continue
		}
		if c.Progress != domain.Closed && c.Progress != domain.CallRequestReceived {
			return true
		}
	}
	return false
}

func (s *Scheduler) closeConn(c *domain.Connection, why domain.Outcome) {
	c.Close(why)
	if s.partner == c.Remote {
		s.partner = ""
	}
	s.logger.Info().Str("remote", string(c.Remote)).Str("outcome", string(why)).Msg("connection closed")
}

func (s *Scheduler) advance(c *domain.Connection, p domain.Progress) {
	s.logger.Info().Str("remote", string(c.Remote)).Str("from", c.Progress.String()).Str("to", p.String()).Msg("progress")
	c.SetProgress(p)
}
