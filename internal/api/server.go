package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/danmuck/h9ctl/internal/audio"
	"github.com/danmuck/h9ctl/internal/observability"
	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/worker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	serviceName = "h9ctl"
	version     = "0.1.0"

	shutdownTimeout = 5 * time.Second
)

// Controller is the slice of the worker the API drives.
type Controller interface {
	Enqueue(a worker.Action) error
	Subscribe(buffer int) (<-chan worker.StateSnapshot, func())
	Snapshot() worker.StateSnapshot
	Pending() int
}

// AudioControl exposes the capture monitor. Restart reopens a Failed stream.
type AudioControl interface {
	Health() audio.StreamHealth
	Restart() error
}

type Config struct {
	Listen      string
	CORSOrigins []string
	// StreamBuffer is the per-client snapshot buffer for /ws.
	StreamBuffer int
	PingPeriod   time.Duration
	// Token, when set, is required on POST /actions, POST /audio/restart and GET /ws.
	Token string
}

func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:9090",
		CORSOrigins:  []string{"http://localhost:3000"},
		StreamBuffer: 16,
		PingPeriod:   54 * time.Second,
	}
}

type Server struct {
	cfg      Config
	ctl      Controller
	audio    AudioControl
	router   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time
}

// New builds the router. aud may be nil when no monitor runs.
func New(cfg Config, ctl Controller, aud AudioControl) *Server {
	def := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = def.CORSOrigins
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		ctl:      ctl,
		audio:    aud,
		router:   r,
		appeared: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/state", s.handleState)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := s.router.Group("/", requireToken(s.cfg.Token))
	guarded.POST("/actions", s.handleAction)
	guarded.POST("/audio/restart", s.handleAudioRestart)
	guarded.GET("/ws", s.handleStream)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.ctl.Snapshot()
	body := gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.appeared).String(),
		"service":    serviceName,
		"version":    version,
		"connection": snap.Connection,
		"pending":    s.ctl.Pending(),
	}
	if s.audio != nil {
		h := s.audio.Health()
		body["audio"] = h
		if h.State == audio.Failed {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleAction(c *gin.Context) {
	var a worker.Action
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctl.Enqueue(a); err != nil {
		c.JSON(actionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "queued",
		"action":  a.String(),
		"pending": s.ctl.Pending(),
	})
}

func (s *Server) handleAudioRestart(c *gin.Context) {
	if s.audio == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audio monitor disabled"})
		return
	}
	if err := s.audio.Restart(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, audio.ErrStreamActive) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "restarting"})
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, worker.ErrUnknownAction),
		errors.Is(err, protocol.ErrInvalidKey),
		errors.Is(err, protocol.ErrValueRange):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("api.Server.Run listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api.Server.Run shutdown failed")
		return err
	}
	log.Info().Msg("api.Server.Run stopped")
	return nil
}
