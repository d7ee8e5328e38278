package domain

import (
	"slices"
	"time"
)

// Message is one line of the conversation carried over the data channel.
type Message struct {
	From UserID    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Connection is the handshake and conversation with one remote peer.
type Connection struct {
	Remote    UserID    `json:"remote"`
	RemoteSDP SDP       `json:"remote_sdp,omitempty"`
	Messages  []Message `json:"messages"`
	Progress  Progress  `json:"progress"`
	Outcome   Outcome   `json:"outcome,omitempty"`
}

func NewConnection(remote UserID) *Connection {
	return &Connection{Remote: remote, Messages: []Message{}}
}

// SetProgress moves the connection and resets the outcome while a call is live.
func (c *Connection) SetProgress(p Progress) {
	c.Progress = p
	if p != Closed {
		c.Outcome = OutcomeNone
	}
}

// Close returns the connection to Closed and remembers why.
func (c *Connection) Close(why Outcome) {
	c.Progress = Closed
	c.Outcome = why
}

func (c *Connection) clone() *Connection {
	cp := *c
	cp.Messages = slices.Clone(c.Messages)
	if cp.Messages == nil {
		cp.Messages = []Message{}
	}
	return &cp
}

// ConnectionState is the authoritative connection table.
// It has exactly one writer; everybody else gets a Snapshot.
type ConnectionState struct {
	LocalID     UserID                 `json:"local_id"`
	Connections map[UserID]*Connection `json:"connections"`
}

func NewConnectionState() *ConnectionState {
	return &ConnectionState{Connections: make(map[UserID]*Connection)}
}

// Get returns the connection for remote, creating it on first reference.
func (s *ConnectionState) Get(remote UserID) *Connection {
	if c, ok := s.Connections[remote]; ok {
		return c
	}
	c := NewConnection(remote)
	s.Connections[remote] = c
	return c
}

// Snapshot deep-copies the table so it can cross a goroutine boundary.
func (s *ConnectionState) Snapshot() ConnectionState {
	out := ConnectionState{
		LocalID:     s.LocalID,
		Connections: make(map[UserID]*Connection, len(s.Connections)),
	}
	for id, c := range s.Connections {
		out.Connections[id] = c.clone()
	}
	return out
}
