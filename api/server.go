package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentflow"
	"github.com/hupe1980/agentflow/logging"
)

// Options configures a Server.
type Options struct {
	Logger          logging.Logger
	Addr            string
	ShutdownTimeout time.Duration
	// StreamBuffer bounds the events queued per websocket client; events
	// beyond it are dropped for that client.
	StreamBuffer int
}

// Server serves a System over HTTP.
type Server struct {
	opts   Options
	sys    *agentflow.System
	router *gin.Engine
	stream *Stream
}

// New builds the router for sys. The stream observer is attached to the
// system's bus immediately.
func New(sys *agentflow.System, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger:          logging.NoOpLogger{},
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		StreamBuffer:    64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	s := &Server{
		opts:   opts,
		sys:    sys,
		router: gin.New(),
		stream: NewStream(opts.StreamBuffer),
	}
	sys.Bus.AddObserver(s.stream)
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Stream returns the live message stream.
func (s *Server) Stream() *Stream { return s.stream }

func (s *Server) routes() {
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/metrics", gin.WrapH(s.sys.Metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.POST("/workflows", s.registerWorkflow)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/executions", s.startExecution)

	v1.GET("/executions", s.listExecutions)
	v1.GET("/executions/:id", s.getExecution)
	v1.GET("/executions/:id/logs", s.executionLogs)
	v1.POST("/executions/:id/pause", s.pauseExecution)
	v1.POST("/executions/:id/resume", s.resumeExecution)
	v1.POST("/executions/:id/cancel", s.cancelExecution)
	v1.POST("/executions/:id/snapshots", s.snapshotExecution)
	v1.POST("/executions/:id/restore", s.restoreExecution)

	v1.POST("/goals", s.submitGoal)
	v1.GET("/goals/:id", s.getGoal)

	v1.GET("/agents", s.listAgents)
	v1.GET("/teams", s.listTeams)
	v1.GET("/teams/:id", s.getTeam)
	v1.GET("/messages", s.listMessages)
	v1.GET("/stream", s.streamMessages)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.opts.Logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Run serves on Addr until ctx is done, then shuts the listener down
// gracefully. It does not shut down the System.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.opts.Logger.Info("api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.stream.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
