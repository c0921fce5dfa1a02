package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/Pulse/internal/adapters/signal"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	participantTokenKey = "participant_token"
	cookieName          = "PulseSessions"
)

// Directory is the session record store behind the adjacent REST surface.
type Directory interface {
	core.Directory
	Create(ctx context.Context, cfg domain.SessionConfig) error
	MarkClosed(ctx context.Context, id domain.SessionID) error
}

type Deps struct {
	Sessions  *app.Manager
	Directory Directory
	Gatherer  prometheus.Gatherer
}

// ParticipantTokenMiddleware keeps an anonymous participant token in the
// signed cookie session, minting one on first visit.
func ParticipantTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(participantTokenKey).(string)
		if token == "" {
			token = string(domain.NewAnonymousToken())
			s.Set(participantTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save cookie session")
			}
		}
		c.Set(participantTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(cookieName, store))
	r.Use(ParticipantTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	ctrl := signal.NewSignalWSController(deps.Sessions, signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.SendTimeout,
		SendQueue:    cfg.SendQueueDepth,
	})
	h := &handlers{sessions: deps.Sessions, dir: deps.Directory}

	api := r.Group("/api")

	// GET /api/sessions: live sessions
	api.GET("/sessions", h.list)
	// POST /api/sessions: create a directory record
	api.POST("/sessions", h.create)
	// POST /api/sessions/:id/init: start the coordinator ahead of the first connection
	api.POST("/sessions/:id/init", h.init)
	// GET /api/sessions/:id/snapshot: consistent state copy for analytics/export
	api.GET("/sessions/:id/snapshot", h.snapshot)
	// GET /api/sessions/:id/reactions?slide=N: one slide's counts, current slide by default
	api.GET("/sessions/:id/reactions", h.slideReactions)
	// POST /api/sessions/:id/slide: presenter remote control
	api.POST("/sessions/:id/slide", h.changeSlide)
	// DELETE /api/sessions/:id: close the session
	api.DELETE("/sessions/:id", h.close)

	api.GET("/sessions/:id/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("session", c.Param("id")).
			Str("token", c.GetString(participantTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type handlers struct {
	sessions *app.Manager
	dir      Directory
}

func abort(c *gin.Context, err error) {
	c.JSON(signal.StatusFor(err), gin.H{"error": err.Error()})
}

func (h *handlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.List()})
}

type createRequest struct {
	ID                string   `json:"id"`
	SlideCount        int      `json:"slideCount" binding:"required,min=1"`
	AllowedReactions  []string `json:"allowedReactions" binding:"required,min=1,dive,required"`
	RequiresAuth      bool     `json:"requiresAuth"`
	ModerateQuestions bool     `json:"moderateQuestions"`
}

func (h *handlers) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	cfg := domain.SessionConfig{
		ID:                domain.SessionID(id),
		SlideCount:        req.SlideCount,
		AllowedReactions:  req.AllowedReactions,
		RequiresAuth:      req.RequiresAuth,
		ModerateQuestions: req.ModerateQuestions,
	}
	if err := h.dir.Create(c.Request.Context(), cfg); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (h *handlers) init(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	co, err := h.sessions.Init(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, co.Config())
}

func (h *handlers) snapshot(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	co, err := h.sessions.Acquire(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	st, err := co.Snapshot(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type slideReactionsQuery struct {
	Slide int `form:"slide" binding:"min=0"`
}

func (h *handlers) slideReactions(c *gin.Context) {
	var q slideReactionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.SessionID(c.Param("id"))
	co, err := h.sessions.Acquire(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	slide, counts, err := co.SlideReactions(c.Request.Context(), q.Slide)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slide": slide, "reactions": counts})
}

type slideRequest struct {
	Slide int    `json:"slide"`
	Role  string `json:"role" binding:"required"`
}

func (h *handlers) changeSlide(c *gin.Context) {
	var req slideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.SessionID(c.Param("id"))
	co, err := h.sessions.Acquire(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	if err := co.ChangeSlide(c.Request.Context(), req.Slide, role); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slide": req.Slide})
}

func (h *handlers) close(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	// Mark the record first so no new connection can lazily restart the session.
	dirErr := h.dir.MarkClosed(c.Request.Context(), id)
	if dirErr != nil && !errors.Is(dirErr, core.ErrSessionClosed) && !errors.Is(dirErr, core.ErrSessionNotFound) {
		abort(c, dirErr)
		return
	}
	err := h.sessions.Close(c.Request.Context(), id)
	if err != nil && !errors.Is(err, core.ErrSessionNotFound) && !errors.Is(err, core.ErrSessionClosed) {
		abort(c, err)
		return
	}
	if errors.Is(dirErr, core.ErrSessionNotFound) && errors.Is(err, core.ErrSessionNotFound) {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
