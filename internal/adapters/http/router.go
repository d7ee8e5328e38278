package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/config"
	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

const lastRemoteKey = "last_remote"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type remoteRequest struct {
	Remote string `json:"remote"`
}

type answerRequest struct {
	Remote   string `json:"remote"`
	Accepted bool   `json:"accepted"`
}

type messageRequest struct {
	Remote string `json:"remote"`
	Text   string `json:"text"`
}

type stateResponse struct {
	State      domain.ConnectionState `json:"state"`
	LastRemote string                 `json:"last_remote,omitempty"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, p *Presenter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ChaosSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		resp := stateResponse{State: p.State()}
		if v, ok := sessions.Default(c).Get(lastRemoteKey).(string); ok {
			resp.LastRemote = v
		}
		c.JSON(http.StatusOK, resp)
	})

	api.POST("/call", func(c *gin.Context) {
		var req remoteRequest
		remote, ok := bindRemote(c, &req, &req.Remote)
		if !ok {
			return
		}
		if !submit(c, p, core.RequestCall{Remote: remote}) {
			return
		}
		sess := sessions.Default(c)
		sess.Set(lastRemoteKey, string(remote))
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}
		c.JSON(http.StatusAccepted, gin.H{"remote": remote})
	})

	api.POST("/answer", func(c *gin.Context) {
		var req answerRequest
		remote, ok := bindRemote(c, &req, &req.Remote)
		if !ok {
			return
		}
		if submit(c, p, core.AnswerCall{Accepted: req.Accepted, Remote: remote}) {
			c.JSON(http.StatusAccepted, gin.H{"remote": remote, "accepted": req.Accepted})
		}
	})

	api.POST("/message", func(c *gin.Context) {
		var req messageRequest
		remote, ok := bindRemote(c, &req, &req.Remote)
		if !ok {
			return
		}
		if req.Text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
			return
		}
		if submit(c, p, core.SendMessage{Remote: remote, Text: req.Text}) {
			c.JSON(http.StatusAccepted, gin.H{"remote": remote})
		}
	})

	api.POST("/hangup", func(c *gin.Context) {
		var req remoteRequest
		remote, ok := bindRemote(c, &req, &req.Remote)
		if !ok {
			return
		}
		if submit(c, p, core.HangUp{Remote: remote}) {
			c.JSON(http.StatusAccepted, gin.H{"remote": remote})
		}
	})

	api.GET("/ws", func(c *gin.Context) {
		p.ServeWS(ctx, c)
	})

	return r
}

// bindRemote decodes the body into req and validates the remote id it
// filled into raw.
func bindRemote(c *gin.Context, req any, raw *string) (domain.UserID, bool) {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return "", false
	}
	remote, err := domain.ParseUserID(*raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return remote, true
}

func submit(c *gin.Context, p *Presenter, cmd core.Command) bool {
	if err := p.Submit(cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrMailboxClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return false
	}
	return true
}
