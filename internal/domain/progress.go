package domain

import "fmt"

// Progress is the handshake stage of one remote connection.
// Closed is both the initial and the terminal state.
type Progress int

const (
	Closed Progress = iota
	CallRequestSent
	CallRequestReceived
	CallRequestAccepted
	CallAnswerSent
	CallAnswerReceived
	CallReplySent
	CallReplyReceived
	Established
)

var progressNames = [...]string{
	Closed:              "Closed",
	CallRequestSent:     "CallRequestSent",
	CallRequestReceived: "CallRequestReceived",
	CallRequestAccepted: "CallRequestAccepted",
	CallAnswerSent:      "CallAnswerSent",
	CallAnswerReceived:  "CallAnswerReceived",
	CallReplySent:       "CallReplySent",
	CallReplyReceived:   "CallReplyReceived",
	Established:         "Established",
}

func (p Progress) String() string {
	if p < 0 || int(p) >= len(progressNames) {
		return fmt.Sprintf("Progress(%d)", int(p))
	}
	return progressNames[p]
}

func (p Progress) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(progressNames) {
		return nil, fmt.Errorf("invalid progress %d", int(p))
	}
	return []byte(progressNames[p]), nil
}

func (p *Progress) UnmarshalText(b []byte) error {
	for i, name := range progressNames {
		if name == string(b) {
			*p = Progress(i)
			return nil
		}
	}
	return fmt.Errorf("unknown progress %q", b)
}

// Outcome records why a connection went back to Closed.
// The requester needs to tell a rejection apart from an unreachable peer.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeDeclined    Outcome = "declined"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeFailed      Outcome = "failed"
	OutcomeEnded       Outcome = "ended"
	OutcomeRemoteEnded Outcome = "remote_ended"
)

// PeerState mirrors the engine's view of the direct connection.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)
