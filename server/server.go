// Package server exposes the job queue over HTTP and streams job progress
// to websocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/pulse/notify"
	"github.com/teranos/loom/pulse/schedule"
	"github.com/teranos/loom/sym"
)

// ShutdownTimeout bounds graceful HTTP shutdown
const ShutdownTimeout = 10 * time.Second

// Config holds the components the HTTP layer serves. Scheduler and Ticker
// are optional; without them /api/pulse/metrics reports store data only.
type Config struct {
	Queue          *async.Queue
	Registry       *async.Registry
	Scheduler      *async.Scheduler
	Ticker         *schedule.Ticker
	Hub            *notify.Hub
	Notifier       pulse.Notifier // owner-initiated transitions; defaults to Hub
	AllowedOrigins []string
	Retention      time.Duration // default age for POST /api/jobs/cleanup
	Version        string
}

// Server is the loom HTTP API.
type Server struct {
	cfg      Config
	router   http.Handler
	logger   *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	upgrader wsUpgrader
}

// New builds a server. Queue, Registry and Hub are required.
func New(cfg Config, log *zap.SugaredLogger) (*Server, error) {
	if cfg.Queue == nil || cfg.Registry == nil || cfg.Hub == nil {
		return nil, errors.New("server requires a queue, a handler registry and a notify hub")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = cfg.Hub
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: log.Named("server"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = newUpgrader(cfg.AllowedOrigins)
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully and
// closes open progress streams.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithSymbol(s.logger, sym.Pulse).Infow("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrapf(err, "failed to serve on %s", addr)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.Close()
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return errors.Wrap(err, "HTTP shutdown")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}

// Close ends every progress stream and waits for their writers.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
