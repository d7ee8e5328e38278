// Package relay is the rendezvous server clients couple to. It assigns ids,
// pairs a caller with its target and forwards wire messages between the two.
// It never looks inside descriptors.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
	"github.com/dkeye/Chaos/internal/wire"
)

type Options struct {
	ReadLimit   int64
	PingPeriod  time.Duration
	CallsPerMin int
}

type Server struct {
	reg     *Registry
	dir     Directory
	limiter *CallRateLimiter
	opts    Options
	logger  zerolog.Logger

	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
}

func NewServer(dir Directory, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		reg:     NewRegistry(),
		dir:     dir,
		limiter: NewCallRateLimiter(opts.CallsPerMin, time.Minute),
		opts:    opts,
		logger:  log.With().Str("module", "relay").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close disconnects every client and waits for their loops.
func (s *Server) Close() {
	s.cancel()
	for _, c := range s.reg.All() {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) HandleCouple(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}
	if s.opts.PingPeriod > 0 {
		pongWait := s.opts.PingPeriod * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	id := domain.UserID(uuid.NewString())
	client := NewClient(id, ws)
	s.reg.Add(client)
	s.publish(id, "")
	s.logger.Info().Str("id", string(id)).Str("remote_addr", c.Request.RemoteAddr).Msg("new WS connection")

	s.deliver(id, core.SignalSetClientID{ID: id})

	s.wg.Go(func() {
		client.writePump(s.ctx, s.opts.PingPeriod, func() {
			if err := s.dir.Touch(s.ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("id", string(id)).Msg("presence refresh")
			}
		})
	})
	s.wg.Go(func() {
		err := client.readPump(func(data []byte) { s.handleFrame(id, data) })
		s.logger.Info().Err(err).Str("id", string(id)).Msg("readPump closing")
		s.disconnect(id)
	})
}

func (s *Server) handleFrame(from domain.UserID, data []byte) {
	cmd, err := wire.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("id", string(from)).Msg("bad frame dropped")
		return
	}
	s.route(from, cmd)
}

func (s *Server) route(from domain.UserID, cmd core.SignalCommand) {
	switch c := cmd.(type) {
	case core.SignalCallRequest:
		s.callRequest(from, c.Remote)
	case core.SignalCallAnswer:
		partner, ok := s.reg.Partner(from)
		if !ok {
			s.logger.Warn().Str("id", string(from)).Msg("answer without a caller")
			return
		}
		if !c.Accepted {
			s.unpair(from)
		}
		s.deliver(partner, c)
	case core.SignalCallReply:
		partner, ok := s.reg.Partner(from)
		if !ok {
			s.logger.Warn().Str("id", string(from)).Msg("reply without a partner")
			return
		}
		s.deliver(partner, c)
	case core.SignalHangup:
		if partner := s.unpair(from); partner != "" {
			s.deliver(partner, c)
		}
	default:
		s.logger.Warn().Str("id", string(from)).Msgf("%T is relay-originated, ignored", cmd)
	}
}

func (s *Server) callRequest(from, target domain.UserID) {
	if !s.limiter.Allow(from) {
		s.logger.Warn().Str("id", string(from)).Msg("call rate exceeded")
		s.deliver(from, core.SignalCallRequestFailure{})
		return
	}
	if err := s.reg.Pair(from, target); err != nil {
		s.logger.Info().Err(err).Str("caller", string(from)).Str("target", string(target)).Msg("call request refused")
		s.deliver(from, core.SignalCallRequestFailure{})
		return
	}
	s.publish(from, target)
	s.publish(target, from)
	s.deliver(target, core.SignalCallRequest{Remote: from})
}

func (s *Server) unpair(id domain.UserID) domain.UserID {
	partner := s.reg.Unpair(id)
	if partner != "" {
		s.publish(id, "")
		s.publish(partner, "")
	}
	return partner
}

func (s *Server) disconnect(id domain.UserID) {
	partner := s.reg.Remove(id)
	s.limiter.Forget(id)
	if err := s.dir.Delete(s.ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("id", string(id)).Msg("presence delete")
	}
	if partner != "" {
		s.publish(partner, "")
		s.deliver(partner, core.SignalHangup{})
	}
}

// deliver sends cmd to a connected client. A client that cannot keep up
// is disconnected.
func (s *Server) deliver(to domain.UserID, cmd core.SignalCommand) {
	client, ok := s.reg.Client(to)
	if !ok {
		s.logger.Debug().Str("id", string(to)).Msgf("%T for offline client dropped", cmd)
		return
	}
	data, err := wire.Encode(cmd)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode")
		return
	}
	if err := client.TrySend(data); err != nil {
		s.logger.Warn().Err(err).Str("id", string(to)).Msg("deliver failed")
		if errors.Is(err, ErrBackpressure) {
			client.Close()
		}
	}
}

func (s *Server) publish(id, partner domain.UserID) {
	p, ok, err := s.dir.Lookup(s.ctx, id)
	if err != nil || !ok {
		p = Presence{ID: id, Since: time.Now().UTC()}
	}
	p.Partner = partner
	if err := s.dir.Put(s.ctx, p); err != nil {
		s.logger.Warn().Err(err).Str("id", string(id)).Msg("presence update")
	}
}

func (s *Server) lookup(c *gin.Context) {
	id, err := domain.ParseUserID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, ok, err := s.dir.Lookup(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func NewRouter(s *Server, mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/couple", s.HandleCouple)
	r.GET("/api/peers/:id", s.lookup)

	log.Info().Str("module", "relay").Str("mode", mode).Msg("router setup")
	return r
}
