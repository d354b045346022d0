// Package status serves the local HTTP status endpoint: health, filter
// statistics, Prometheus metrics and journal summaries.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bounceguard/internal/guard"
	"bounceguard/internal/journal"
	"bounceguard/internal/logging"
)

// StatsProvider is implemented by *guard.Guard.
type StatsProvider interface {
	Stats() guard.Stats
}

// TopKeysProvider is implemented by *journal.Journal.
type TopKeysProvider interface {
	TopKeys(since time.Time, limit int) ([]journal.KeyCount, error)
}

// Options configures a Server.
type Options struct {
	Listen  string
	Version string

	Guard   StatsProvider
	Metrics http.Handler
	// Journal is optional; /journal/top answers 404 without it.
	Journal TopKeysProvider

	Logger *logging.Logger
}

// Server is the status HTTP server.
type Server struct {
	opts   Options
	log    *logging.Logger
	router *gin.Engine
	srv    *http.Server
	ln     net.Listener
	done   chan error
}

// New builds the router. Nothing listens until Start.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		opts: opts,
		log:  log.WithComponent("status"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", s.health)
	r.GET("/stats", s.stats)
	r.GET("/version", s.version)
	r.GET("/journal/top", s.journalTop)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	s.router = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.log.Info("status endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	state := "unknown"
	if s.opts.Guard != nil {
		state = s.opts.Guard.Stats().State
	}
	code := http.StatusOK
	if state != guard.StateRunning.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": http.StatusText(code), "state": state})
}

func (s *Server) stats(c *gin.Context) {
	if s.opts.Guard == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "filter not configured"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Guard.Stats())
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.opts.Version})
}

func (s *Server) journalTop(c *gin.Context) {
	if s.opts.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	since, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil || since <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a positive duration"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 || limit > 256 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 256"})
		return
	}

	keys, err := s.opts.Journal.TopKeys(time.Now().Add(-since), limit)
	if err != nil {
		s.log.Error("journal query", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal query failed"})
		return
	}
	if keys == nil {
		keys = []journal.KeyCount{}
	}
	c.JSON(http.StatusOK, gin.H{"since": since.String(), "keys": keys})
}
