// Package api serves the pipeline stages over HTTP with gin. Each configured
// stage is a POST endpoint taking {"domain": ...}; /health, /metrics,
// /events (websocket) and /pipeline complete the surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/stages"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/validation"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const shutdownTimeout = 30 * time.Second

// StageRunner runs one named stage.
type StageRunner interface {
	Run(ctx context.Context, name string, req stages.Request) (any, error)
}

type Options struct {
	Stages    []config.StageConfig
	APIKey    string
	RateLimit config.RateLimitConfig
	Metrics   *Metrics
	Hub       *Hub
	// Pipeline, when set, enables POST /pipeline. Its observer should
	// publish to Hub.
	Pipeline *orchestrator.Orchestrator
}

type Server struct {
	runner StageRunner
	opts   Options
	logger *logger.Logger
	engine *gin.Engine

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(runner StageRunner, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if len(opts.Stages) == 0 {
		opts.Stages = config.DefaultStages()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:  runner,
		opts:    opts,
		logger:  log.WithComponent("api"),
		running: make(map[string]bool),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Hub() *Hub { return s.opts.Hub }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(s.logger))

	router.GET("/health", s.health)

	protected := router.Group("/")
	protected.Use(AuthMiddleware(s.opts.APIKey, s.logger))
	protected.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	protected.GET("/events", gin.WrapH(s.opts.Hub))
	protected.GET("/stages", s.listStages)

	limited := protected.Group("/")
	limited.Use(RateLimitMiddleware(s.opts.RateLimit))
	for i, stage := range s.opts.Stages {
		limited.POST(stage.Path, s.stageHandler(stage, i))
	}
	if s.opts.Pipeline != nil {
		limited.POST("/pipeline", s.startPipeline)
	}
	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"stages":    len(s.opts.Stages),
		"clients":   s.opts.Hub.Clients(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) listStages(c *gin.Context) {
	type entry struct {
		Name     string `json:"name"`
		Display  string `json:"display"`
		Path     string `json:"path"`
		Required bool   `json:"required"`
		Enabled  bool   `json:"enabled"`
	}
	out := make([]entry, 0, len(s.opts.Stages))
	for _, st := range s.opts.Stages {
		out = append(out, entry{st.Name, st.Display, st.Path, st.Required, st.Enabled})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) stageHandler(stage config.StageConfig, index int) gin.HandlerFunc {
	total := len(s.opts.Stages)
	return func(c *gin.Context) {
		var req stages.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
			return
		}

		ev := orchestrator.Event{Domain: req.Domain, Stage: stage.Name, Index: index, Total: total}
		ev.Status = types.StageStatusRunning
		s.opts.Hub.Publish(ev)

		resp, err := s.runner.Run(c.Request.Context(), stage.Name, req)

		ev.Status = types.StageStatusSucceeded
		if err != nil {
			ev.Status, ev.Error = types.StageStatusFailed, err.Error()
		}
		s.opts.Hub.Publish(ev)

		if err != nil {
			code := StatusFor(err)
			if code >= http.StatusInternalServerError {
				s.logger.LogError(c.Request.Context(), err, "stage."+stage.Name, "domain", req.Domain)
			}
			c.JSON(code, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// startPipeline runs the whole pipeline for a domain in the background.
// Progress is published on /events; the report is written as usual.
func (s *Server) startPipeline(c *gin.Context) {
	var req stages.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	domain, err := validation.ValidateDomain(req.Domain)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if s.running[domain] {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline run for " + domain + " is already in progress"})
		return
	}
	s.running[domain] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, domain)
			s.mu.Unlock()
		}()
		report, err := s.opts.Pipeline.Run(s.baseCtx, domain)
		if err != nil {
			s.logger.LogError(s.baseCtx, err, "pipeline", "domain", domain)
			return
		}
		s.logger.Infow("Pipeline run finished", "domain", domain, "run_id", report.RunID, "report", report.Path)
	}()

	c.JSON(http.StatusAccepted, gin.H{"domain": domain, "status": "started"})
}

// Running reports whether a background pipeline run for domain is active.
func (s *Server) Running(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[domain]
}

// ListenAndServe serves until ctx is done, then stops background runs at
// their next stage boundary and shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "address", cfg.Addr, "stages", len(s.opts.Stages))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Infow("Shutting down HTTP server")
	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close asks background pipeline runs to stop at their next stage boundary
// and disconnects event clients. Runs still busy after shutdownTimeout are
// cancelled.
func (s *Server) Close() {
	if s.opts.Pipeline != nil {
		s.opts.Pipeline.RequestStop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.cancel()
		<-done
	}
	s.cancel()
	s.opts.Hub.Close()
}

// StatusFor maps a stage error to its HTTP status: validation 400, a
// missing artifact 404, an unreachable source 502, anything else 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, types.ErrSourceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
