package core

import (
	"context"
	"errors"
	"sync"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// Sender is the write end of a Mailbox.
type Sender interface {
	Send(Command) error
}

// Mailbox is an unbounded FIFO queue with many producers and one consumer.
// Send never blocks.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Command
	ready  chan struct{}
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

func (m *Mailbox) Send(cmd Command) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, cmd)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

// Receive blocks until a command is queued, ctx is done or the mailbox is
// closed and drained.
func (m *Mailbox) Receive(ctx context.Context) (Command, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			cmd := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return cmd, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ready:
		}
	}
}

// TryReceive returns the next command without blocking.
func (m *Mailbox) TryReceive() (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	cmd := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return cmd, true
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close rejects further sends. Queued commands can still be received.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}
