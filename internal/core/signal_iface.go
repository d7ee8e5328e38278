package core

import (
	"context"
	"errors"
)

// ErrLinkClosed is returned by a SignalLink once it has been closed for good.
var ErrLinkClosed = errors.New("signal link closed")

// SignalLink abstracts the persistent text connection to the relay.
// Owned by the coupler; the coupler must Close() it.
type SignalLink interface {
	// Receive blocks until the next text frame arrives.
	Receive(ctx context.Context) ([]byte, error)
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error
	Close() error
}
