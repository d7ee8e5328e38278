package sched

import (
	"fmt"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

func (s *Scheduler) requestCall(r domain.UserID) error {
	if r == "" {
		return fmt.Errorf("%w: call request without remote", ErrProtocol)
	}
	if r == s.state.LocalID {
		return fmt.Errorf("%w: cannot call yourself", ErrProtocol)
	}
	c := s.state.Get(r)
	if c.Progress != domain.Closed {
		return protocolErr(c, "request-call")
	}
	if s.partner != "" {
		// An incoming request is pending; the relay has paired us with it.
		return fmt.Errorf("%w: pending request from %q", ErrBusy, s.partner)
	}
	if s.busy(r) {
		return ErrBusy
	}
	s.advance(c, domain.CallRequestSent)
	s.partner = r
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentCoupler, core.SignalCallRequest{Remote: r})
}

func (s *Scheduler) callRequestReceived(r domain.UserID) error {
	if r == "" {
		return fmt.Errorf("%w: call request without remote", ErrProtocol)
	}
	c := s.state.Get(r)
	switch c.Progress {
	case domain.Closed:
		s.advance(c, domain.CallRequestReceived)
		if !s.busy(r) {
			s.partner = r
		}
		return s.publish()
	case domain.CallRequestReceived:
		return nil
	case domain.CallRequestSent:
		if s.partner != r {
			return protocolErr(c, "call-request")
		}
		// Both sides dialed each other and the relay paired us as the
		// target. Our own request will come back as a failure.
		s.logger.Info().Str("remote", string(r)).Msg("crossed call requests, answering side")
		s.advance(c, domain.CallRequestReceived)
		return s.publish()
	default:
		return protocolErr(c, "call-request")
	}
}

func (s *Scheduler) answerCall(accepted bool, r domain.UserID) error {
	c := s.state.Get(r)
	if c.Progress != domain.CallRequestReceived {
		return protocolErr(c, "answer-call")
	}
	if !accepted {
		notify := s.partner == r
		s.closeConn(c, domain.OutcomeDeclined)
		if err := s.publish(); err != nil {
			return err
		}
		if !notify {
			return nil
		}
		return s.emit(core.ComponentCoupler, core.SignalCallAnswer{Accepted: false})
	}
	if s.partner != r {
		// The relay has paired us with someone else since this request arrived.
		return fmt.Errorf("%w: relay is paired with %q", ErrBusy, s.partner)
	}
	if s.busy(r) {
		return ErrBusy
	}
	s.advance(c, domain.CallAnswerSent)
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentPeer, core.NewPeerConnection{Remote: r})
}

func (s *Scheduler) answerDescriptorReady(r domain.UserID, sdp domain.SDP) error {
	c := s.state.Get(r)
	if c.Progress != domain.CallAnswerSent {
		return protocolErr(c, "call-answer-descriptor")
	}
	return s.emit(core.ComponentCoupler, core.SignalCallAnswer{Accepted: true, SDP: &sdp})
}

func (s *Scheduler) callAnswerReceived(accepted bool, sdp *domain.SDP) error {
	c, err := s.partnerConn("call-answer")
	if err != nil {
		return err
	}
	if c.Progress != domain.CallRequestSent {
		return protocolErr(c, "call-answer")
	}
	if !accepted {
		s.closeConn(c, domain.OutcomeRejected)
		return s.publish()
	}
	if sdp == nil || *sdp == "" {
		return protocolErr(c, "call-answer without descriptor")
	}
	c.RemoteSDP = *sdp
	s.advance(c, domain.CallAnswerReceived)
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentPeer, core.EstablishConnection{Remote: c.Remote, SDP: *sdp, IsReply: false})
}

func (s *Scheduler) replyDescriptorReady(r domain.UserID, sdp domain.SDP) error {
	c := s.state.Get(r)
	if c.Progress != domain.CallAnswerReceived {
		return protocolErr(c, "call-reply-descriptor")
	}
	s.advance(c, domain.CallReplySent)
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentCoupler, core.SignalCallReply{SDP: sdp})
}

func (s *Scheduler) callReplyReceived(sdp domain.SDP) error {
	c, err := s.partnerConn("call-reply")
	if err != nil {
		return err
	}
	if c.Progress != domain.CallAnswerSent {
		return protocolErr(c, "call-reply")
	}
	if sdp == "" {
		return protocolErr(c, "call-reply without descriptor")
	}
	c.RemoteSDP = sdp
	s.advance(c, domain.CallReplyReceived)
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentPeer, core.EstablishConnection{Remote: c.Remote, SDP: sdp, IsReply: true})
}

func (s *Scheduler) callRequestFailed() error {
	c, err := s.partnerConn("call-request-failure")
	if err != nil {
		return err
	}
	if c.Progress != domain.CallRequestSent {
		return protocolErr(c, "call-request-failure")
	}
	s.closeConn(c, domain.OutcomeUnreachable)
	return s.publish()
}

func (s *Scheduler) peerStateChanged(r domain.UserID, st domain.PeerState) error {
	c := s.state.Get(r)
	switch st {
	case domain.PeerConnected:
		switch c.Progress {
		case domain.CallReplySent, domain.CallReplyReceived:
			s.advance(c, domain.Established)
			return s.publish()
		case domain.Established:
			return nil
		default:
			return protocolErr(c, "peer connected")
		}
	case domain.PeerFailed, domain.PeerClosed:
		if c.Progress == domain.Closed {
			return nil
		}
		s.closeConn(c, domain.OutcomeFailed)
		if err := s.publish(); err != nil {
			return err
		}
		return s.emit(core.ComponentPeer, core.ClosePeerConnection{Remote: r})
	default:
		s.logger.Debug().Str("remote", string(r)).Str("peer_state", string(st)).Msg("peer state")
		return nil
	}
}

func (s *Scheduler) negotiationFailed(r domain.UserID, reason string) error {
	c := s.state.Get(r)
	if c.Progress == domain.Closed {
		return nil
	}
	s.logger.Error().Str("remote", string(r)).Str("reason", reason).Msg("negotiation failed")
	notify := s.partner == r
	s.closeConn(c, domain.OutcomeFailed)
	if err := s.publish(); err != nil {
		return err
	}
	if !notify {
		return nil
	}
	return s.emit(core.ComponentCoupler, core.SignalHangup{})
}

func (s *Scheduler) hangUp(r domain.UserID) error {
	c := s.state.Get(r)
	if c.Progress == domain.Closed {
		return nil
	}
	notify := s.partner == r
	s.closeConn(c, domain.OutcomeEnded)
	if err := s.publish(); err != nil {
		return err
	}
	if notify {
		if err := s.emit(core.ComponentCoupler, core.SignalHangup{}); err != nil {
			return err
		}
	}
	return s.emit(core.ComponentPeer, core.ClosePeerConnection{Remote: r})
}

func (s *Scheduler) remoteHungUp() error {
	c, err := s.partnerConn("hangup")
	if err != nil {
		return err
	}
	if c.Progress == domain.Closed {
		return nil
	}
	s.closeConn(c, domain.OutcomeRemoteEnded)
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentPeer, core.ClosePeerConnection{Remote: c.Remote})
}

func (s *Scheduler) sendMessage(r domain.UserID, text string) error {
	c := s.state.Get(r)
	if c.Progress != domain.Established {
		return protocolErr(c, "send-message")
	}
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrProtocol)
	}
	c.Messages = append(c.Messages, domain.Message{From: s.state.LocalID, Text: text, At: s.now()})
	if err := s.publish(); err != nil {
		return err
	}
	return s.emit(core.ComponentPeer, core.SendOnChannel{Remote: r, Text: text})
}

func (s *Scheduler) messageReceived(r domain.UserID, text string) error {
	c := s.state.Get(r)
	if c.Progress == domain.Closed {
		return protocolErr(c, "message-received")
	}
	c.Messages = append(c.Messages, domain.Message{From: r, Text: text, At: s.now()})
	return s.publish()
}

func (s *Scheduler) setClientID(id domain.UserID) error {
	if id == "" {
		return fmt.Errorf("%w: empty client id", ErrProtocol)
	}
	if s.state.LocalID == id {
		return nil
	}
	if s.state.LocalID != "" {
		// A new relay session hands out a new id.
		s.logger.Warn().Str("old", string(s.state.LocalID)).Str("new", string(id)).Msg("client id replaced")
	}
	s.state.LocalID = id
	s.logger.Info().Str("local_id", string(id)).Msg("client id assigned")
	return s.publish()
}
