// Package api serves the control surface: agent listings, run history,
// transcripts, costs, manual triggers, reloads and document editing, plus a
// websocket feed of lifecycle events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/agentcron/internal/budget"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/fleet"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/logging"
)

// RunReader is the read side of the run ledger.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	GetRuns(ctx context.Context, f domain.RunFilter) ([]domain.Run, error)
	GetTranscript(ctx context.Context, runID string, fn func(domain.TranscriptEntry) error) error
	GetDailyCosts(ctx context.Context, day string) ([]domain.CostBucket, error)
	MonthToDateCost(ctx context.Context, month string) (float64, error)
	GetAgentStats(ctx context.Context) ([]domain.AgentStats, error)
	Ping(ctx context.Context) error
}

// Scheduler exposes the installed agents and manual triggering.
type Scheduler interface {
	Definitions() []domain.AgentDefinition
	TriggerManually(name string) (string, error)
	Scheduled() int
	Active(name string) int
	NextRun(name string) (time.Time, bool)
}

// Fleet reloads and edits the declarative documents.
type Fleet interface {
	Reload(ctx context.Context) error
	Status() fleet.Status
	Document(doc string) ([]byte, error)
	ReplaceDocument(ctx context.Context, doc string, data []byte) error
}

// Budget reports live token usage.
type Budget interface {
	Snapshot() budget.Snapshot
	Usage(agent string) int
}

// Deps are the components the API reads and drives.
type Deps struct {
	Runs           RunReader
	Scheduler      Scheduler
	Fleet          Fleet
	Budget         Budget
	Hooks          *hooks.Manager
	MonthlyCostCap float64
}

// Server is the control-surface HTTP server.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	log      *logging.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	clients  *clientRegistry

	startedAt  time.Time
	httpServer *http.Server
}

// New builds the router. Handler can be used without calling Start.
func New(cfg config.ServerConfig, deps Deps, log *logging.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log.Sub("api"),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	s.clients = newClientRegistry(s.log.Sub("ws"))
	s.setupRoutes()
	return s
}

// releaseMode silences gin's own stdout route dump; requests are logged
// through requestLogger instead. An explicit GIN_MODE is left alone.
func releaseMode() {
	if gin.Mode() == gin.DebugMode && os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}

func (s *Server) setupRoutes() {
	releaseMode()
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(s.log), cors(s.cfg.AllowedOrigins))

	r.GET("/health", s.health)

	authed := r.Group("", tokenAuth(s.cfg.Token))
	authed.GET("/ws", s.handleWebSocket)

	v1 := authed.Group("/api/v1")
	{
		v1.GET("/agents", s.listAgents)
		v1.POST("/agents/:name/run", s.triggerAgent)

		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.GET("/runs/:id/transcript", s.streamTranscript)

		v1.GET("/costs", s.dailyCosts)
		v1.GET("/budget", s.budgetSnapshot)

		v1.POST("/reload", s.reload)

		cfg := v1.Group("/config")
		{
			cfg.GET("/agents", s.getDocument(config.DocAgents))
			cfg.PUT("/agents", s.putDocument(config.DocAgents))
			cfg.GET("/models", s.getDocument(config.DocModels))
			cfg.PUT("/models", s.putDocument(config.DocModels))
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	s.engine = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.ServerConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.cfg.Token == "" && s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("no API token configured on a non-loopback bind")
	}
	s.startedAt = time.Now()
	s.log.Info().Str("addr", ln.Addr().String()).Str("bind", s.cfg.Bind).Msg("control API listening")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.closeAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
