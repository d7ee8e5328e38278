package core

import (
	"context"

	"github.com/dkeye/Chaos/internal/domain"
)

// NegotiationEngine opens one MediaSession per remote peer.
type NegotiationEngine interface {
	NewSession(remote domain.UserID) (MediaSession, error)
}

// MediaSession is the capability surface of a single peer connection.
// Descriptions are passed decoded (plain JSON session descriptions).
type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	// SetLocalDescription also starts candidate gathering.
	SetLocalDescription(ctx context.Context, desc string) error
	SetRemoteDescription(ctx context.Context, desc string) error
	// AwaitGatheringComplete blocks until all local candidates are in the
	// local description, or ctx is done.
	AwaitGatheringComplete(ctx context.Context) error
	// LocalDescription returns the current local description including candidates.
	LocalDescription() (string, error)
	// OpenChannel creates the data channel on the offering side.
	// The answering side receives it through the engine.
	OpenChannel(label string) error
	SendText(text string) error
	OnChannelOpen(func())
	OnMessage(func(text string))
	OnStateChange(func(domain.PeerState))
	// Close should stop all underlying transport resources.
	Close() error
}
