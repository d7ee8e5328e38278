// Package http is the local presentation layer: a small web API and a
// websocket that streams connection snapshots to the UI.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

// Presenter keeps the last snapshot from the scheduler and forwards user
// intents back to it. It never mutates connection state.
type Presenter struct {
	att    core.Attachment
	hub    *Hub
	logger zerolog.Logger

	mu   sync.RWMutex
	last domain.ConnectionState
	data []byte

	upgrader websocket.Upgrader
}

func NewPresenter(att core.Attachment) *Presenter {
	p := &Presenter{
		att:    att,
		hub:    NewHub(),
		logger: log.With().Str("module", "adapters.http").Logger(),
		last:   *domain.NewConnectionState(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	p.data, _ = json.Marshal(p.last)
	return p
}

func (p *Presenter) Run(ctx context.Context) error {
	defer p.hub.CloseAll()
	p.logger.Info().Msg("presenter started")
	for {
		cmd, err := p.att.Inbox.Receive(ctx)
		if err != nil {
			p.logger.Info().Err(err).Msg("presenter stopped")
			return nil
		}
		snap, ok := cmd.(core.StateSnapshot)
		if !ok {
			p.logger.Warn().Str("command", fmt.Sprintf("%T", cmd)).Msg("unexpected command")
			continue
		}
		p.update(snap.State)
	}
}

func (p *Presenter) update(state domain.ConnectionState) {
	data, err := json.Marshal(state)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal snapshot")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last, p.data = state, data
	p.hub.Broadcast(data)
}

// State returns the last snapshot. Callers must treat it as read-only.
func (p *Presenter) State() domain.ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// subscribe registers sub and queues the current snapshot, so no update
// lands between the two.
func (p *Presenter) subscribe(sub *subscriber) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.hub.add(sub)
	_ = sub.TrySend(p.data)
}

// Submit hands a user intent to the scheduler.
func (p *Presenter) Submit(cmd core.Command) error {
	if err := p.att.Scheduler.Send(cmd); err != nil {
		return fmt.Errorf("submit %T: %w", cmd, err)
	}
	return nil
}

// ServeWS streams snapshots, starting with the current one.
func (p *Presenter) ServeWS(ctx context.Context, c *gin.Context) {
	ws, err := p.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	sub := newSubscriber(ws)
	p.subscribe(sub)
	p.logger.Info().Str("sid", c.GetString("client_token")).Int("subscribers", p.hub.Len()).Msg("new WS connection")

	go sub.writePump(ctx)
	sub.readPump()
	p.hub.remove(sub)
}
