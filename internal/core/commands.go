package core

import "github.com/dkeye/Chaos/internal/domain"

// Command is everything that travels through a Mailbox.
// The set is closed: only types in this package implement it.
type Command interface {
	command()
}

// SignalCommand is the subset that crosses the relay.
type SignalCommand interface {
	Command
	signal()
}

// Presentation -> Scheduler.
type (
	RequestCall struct {
		Remote domain.UserID
	}
	AnswerCall struct {
		Accepted bool
		Remote   domain.UserID
	}
	SendMessage struct {
		Remote domain.UserID
		Text   string
	}
	HangUp struct {
		Remote domain.UserID
	}
)

// Scheduler -> Presentation.
type StateSnapshot struct {
	State domain.ConnectionState
}

// Relay wire protocol, mirrored on both sides of the relay.
type (
	SignalSetClientID struct {
		ID domain.UserID
	}
	SignalCallRequest struct {
		Remote domain.UserID
	}
	SignalCallRequestFailure struct{}
	SignalCallAnswer         struct {
		Accepted bool
		SDP      *domain.SDP
	}
	SignalCallReply struct {
		SDP domain.SDP
	}
	SignalHangup struct{}
)

// Scheduler <-> negotiation orchestrator.
type (
	NewPeerConnection struct {
		Remote domain.UserID
	}
	CallAnswerDescriptor struct {
		Remote domain.UserID
		SDP    domain.SDP
	}
	EstablishConnection struct {
		Remote  domain.UserID
		SDP     domain.SDP
		IsReply bool
	}
	CallReplyDescriptor struct {
		Remote domain.UserID
		SDP    domain.SDP
	}
	SendOnChannel struct {
		Remote domain.UserID
		Text   string
	}
	ClosePeerConnection struct {
		Remote domain.UserID
	}
	PeerStateChanged struct {
		Remote domain.UserID
		State  domain.PeerState
	}
	MessageReceived struct {
		Remote domain.UserID
		Text   string
	}
	NegotiationFailed struct {
		Remote domain.UserID
		Reason string
	}
)

func (RequestCall) command() {}
func (AnswerCall) command()  {}
func (SendMessage) command() {}
func (HangUp) command()      {}

func (StateSnapshot) command() {}

func (SignalSetClientID) command()        {}
func (SignalCallRequest) command()        {}
func (SignalCallRequestFailure) command() {}
func (SignalCallAnswer) command()         {}
func (SignalCallReply) command()          {}
func (SignalHangup) command()             {}

func (SignalSetClientID) signal()        {}
func (SignalCallRequest) signal()        {}
func (SignalCallRequestFailure) signal() {}
func (SignalCallAnswer) signal()         {}
func (SignalCallReply) signal()          {}
func (SignalHangup) signal()             {}

func (NewPeerConnection) command()    {}
func (CallAnswerDescriptor) command() {}
func (EstablishConnection) command()  {}
func (CallReplyDescriptor) command()  {}
func (SendOnChannel) command()        {}
func (ClosePeerConnection) command()  {}
func (PeerStateChanged) command()     {}
func (MessageReceived) command()      {}
func (NegotiationFailed) command()    {}
