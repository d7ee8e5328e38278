package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/core"
)

const writeWait = 5 * time.Second

type LinkOptions struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	ReconnectDelay time.Duration
}

// WSLink is a core.SignalLink over a WebSocket to the relay. A broken
// connection is redialed lazily on the next Receive or Send.
type WSLink struct {
	url    string
	opts   LinkOptions
	dialer *websocket.Dialer
	logger zerolog.Logger

	dialMu sync.Mutex
	mu     sync.Mutex
	conn   *websocket.Conn
	stop   chan struct{}
	closed bool
	dials  int

	writeMu sync.Mutex
}

func NewWSLink(url string, opts LinkOptions) *WSLink {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &WSLink{
		url:    url,
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: log.With().Str("module", "signal.link").Str("url", url).Logger(),
	}
}

func (l *WSLink) Receive(ctx context.Context) ([]byte, error) {
	conn, err := l.current(ctx)
	if err != nil {
		return nil, err
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, l.broken(conn, err)
		}
		if kind != websocket.TextMessage {
			l.logger.Warn().Int("kind", kind).Msg("non-text frame ignored")
			continue
		}
		return data, nil
	}
}

func (l *WSLink) Send(ctx context.Context, data []byte) error {
	conn, err := l.current(ctx)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return l.broken(conn, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return l.broken(conn, err)
	}
	return nil
}

func (l *WSLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn, stop := l.conn, l.stop
	l.conn, l.stop = nil, nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(stop)
	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	l.writeMu.Unlock()
	return conn.Close()
}

// current returns the live connection, dialing until it succeeds, ctx is
// done or the link is closed.
func (l *WSLink) current(ctx context.Context) (*websocket.Conn, error) {
	l.dialMu.Lock()
	defer l.dialMu.Unlock()
	for {
		l.mu.Lock()
		conn, closed, dials := l.conn, l.closed, l.dials
		l.mu.Unlock()
		if closed {
			return nil, core.ErrLinkClosed
		}
		if conn != nil {
			return conn, nil
		}
		if dials > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.opts.ReconnectDelay):
			}
		}
		if err := l.dial(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("relay dial failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
}

func (l *WSLink) dial(ctx context.Context) error {
	l.mu.Lock()
	l.dials++
	l.mu.Unlock()

	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	if l.opts.ReadLimit > 0 {
		conn.SetReadLimit(l.opts.ReadLimit)
	}
	stop := make(chan struct{})

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return core.ErrLinkClosed
	}
	l.conn, l.stop = conn, stop
	l.mu.Unlock()

	if l.opts.PingPeriod > 0 {
		pongWait := l.opts.PingPeriod * 10 / 9
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go l.ping(conn, stop)
	}
	l.logger.Info().Msg("relay connected")
	return nil
}

func (l *WSLink) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			l.writeMu.Unlock()
			if err != nil {
				_ = l.broken(conn, err)
				return
			}
		}
	}
}

// broken drops conn if it is still current. After Close every error
// becomes core.ErrLinkClosed.
func (l *WSLink) broken(conn *websocket.Conn, cause error) error {
	l.mu.Lock()
	closed := l.closed
	var stop chan struct{}
	if l.conn == conn {
		stop = l.stop
		l.conn, l.stop = nil, nil
	}
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		_ = conn.Close()
		l.logger.Warn().Err(cause).Msg("relay connection lost")
	}
	if closed {
		return core.ErrLinkClosed
	}
	return fmt.Errorf("relay link: %w", cause)
}
