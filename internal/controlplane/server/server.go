package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/auth"
	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/lifecycle"
	"github.com/botcraft/botcraft/pkg/logger"
	"github.com/botcraft/botcraft/pkg/ratelimit"
)

const maxBodyBytes = 1 << 20

// Config holds the HTTP layer's own settings.
type Config struct {
	// WebAppBurst and WebAppPerSecond size the per-bot token bucket of the
	// unauthenticated companion endpoints.
	WebAppBurst     int
	WebAppPerSecond float64
	// EventsPingInterval keeps idle /events sockets alive.
	EventsPingInterval time.Duration
}

// ActionLog is where companion pages append their actions.
type ActionLog interface {
	AppendAction(a domain.WebAppAction) (domain.WebAppAction, error)
	ListActions(botID string, limit int) ([]domain.WebAppAction, error)
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	cfg     Config
	bots    *lifecycle.Orchestrator
	auth    *auth.Authenticator
	actions ActionLog
	limiter *ratelimit.Keyed

	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// New fills Config defaults and builds the server.
func New(cfg Config, bots *lifecycle.Orchestrator, authn *auth.Authenticator, actions ActionLog) (*Server, error) {
	if bots == nil || authn == nil || actions == nil {
		return nil, errors.New("server: orchestrator, authenticator and action log are required")
	}
	if cfg.WebAppBurst <= 0 {
		cfg.WebAppBurst = 20
	}
	if cfg.WebAppPerSecond <= 0 {
		cfg.WebAppPerSecond = 5
	}
	if cfg.EventsPingInterval <= 0 {
		cfg.EventsPingInterval = 30 * time.Second
	}
	return &Server{
		cfg:     cfg,
		bots:    bots,
		auth:    authn,
		actions: actions,
		limiter: ratelimit.NewKeyed(cfg.WebAppBurst, cfg.WebAppPerSecond),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Component("http"),
	}, nil
}

// Limiter exposes the companion endpoints' rate limiter so idle buckets can be pruned.
func (s *Server) Limiter() *ratelimit.Keyed { return s.limiter }

// Router returns the gin engine with every route mounted.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.wrap(s.handleUI))
	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	authed := r.Group("/", s.auth.Middleware())

	bots := authed.Group("/bots")
	bots.GET("", s.wrap(s.handleBotsList))
	bots.POST("", s.wrap(s.handleBotsCreate))
	botID := bots.Group("/:botID")
	botID.GET("", s.wrap(s.handleBotGet))
	botID.PUT("", s.wrap(s.handleBotUpdate))
	botID.DELETE("", s.wrap(s.handleBotDelete))
	botID.POST("/start", s.wrap(s.handleBotStart))
	botID.POST("/stop", s.wrap(s.handleBotStop))
	botID.POST("/restart", s.wrap(s.handleBotRestart))
	botID.GET("/status", s.wrap(s.handleBotStatus))
	botID.GET("/configuration", s.wrap(s.handleBotConfiguration))
	botID.GET("/configuration/versions", s.wrap(s.handleBotConfigVersions))
	botID.POST("/configuration/rollback", s.wrap(s.handleBotConfigRollback))
	botID.GET("/logs", s.wrap(s.handleBotLogsTail))
	botID.GET("/logs/stream", s.wrap(s.handleBotLogsStream))

	authed.GET("/events", s.wrap(s.handleEvents))

	// companion pages; no auth, rate limited per bot
	webapp := r.Group("/webapp/:botID")
	webapp.GET("", s.wrap(s.handleWebAppPage))
	webapp.GET("/data", s.wrap(s.handleWebAppData))
	webapp.POST("/action", s.wrap(s.handleWebAppAction))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "botcraft_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func ownerOf(r *http.Request) string {
	return auth.OwnerFrom(r.Context())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeBotError maps lifecycle errors to responses. Anything unrecognized is
// logged and reported as a generic 500.
func (s *Server) writeBotError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *lifecycle.CredentialError
	var ve *codegen.ValidationError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid credential", "reason": ce.Reason})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid configuration", "problems": ve.Problems})
	case errors.Is(err, lifecycle.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "bot not found")
	case errors.Is(err, lifecycle.ErrLimitReached):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
