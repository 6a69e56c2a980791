// Package runtime hosts the HTTP daemon around the turn pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicechat/internal/api"
	"github.com/loqalabs/voicechat/internal/config"
)

const sweepInterval = time.Minute

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	opts        []BuildOption
	httpServer  *http.Server
	components  *Components
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
	addr        chan string
}

func New(cfg config.Config, logger *slog.Logger, opts ...BuildOption) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		addr:   make(chan string, 1),
	}
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (r *Runtime) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-r.addr:
		r.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	components, err := Build(ctx, r.cfg, r.logger, r.opts...)
	if err != nil {
		r.closeTelemetry()
		return err
	}
	r.components = components

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusPath != "" {
		mux.Handle(r.cfg.Telemetry.PrometheusPath, metricsHandler)
	}
	apiOpts := api.Options{
		Timeline:       components.Store,
		TempDir:        r.cfg.STT.TempDir,
		MaxUploadBytes: int64(r.cfg.HTTP.MaxUploadMB) << 20,
		TurnTimeout:    time.Duration(r.cfg.HTTP.TurnTimeoutMS) * time.Millisecond,
	}
	if components.Clips != nil {
		apiOpts.Clips = components.Clips
	}
	api.New(components.Sessions, components.Pipeline, r.logger, apiOpts).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		components.Close()
		r.closeTelemetry()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()
	go func() {
		defer r.wg.Done()
		r.sweep(ctx)
	}()

	r.ready.Store(true)
	r.addr <- listener.Addr().String()
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	if err := components.Close(); err != nil {
		r.logger.Error("component shutdown error", slogError(err))
	}
	r.closeTelemetry()
	return nil
}

// sweep evicts idle sessions and prunes the event store until ctx ends.
func (r *Runtime) sweep(ctx context.Context) {
	idle := time.Duration(r.cfg.Session.IdleTimeoutMS) * time.Millisecond
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if idle > 0 {
			for _, id := range r.components.Sessions.Sweep(idle) {
				if err := r.components.Forget(ctx, id); err != nil {
					r.logger.Warn("failed to clean up idle session", slog.String("session_id", id), slogError(err))
				}
				r.logger.Info("idle session evicted", slog.String("session_id", id))
			}
		}
		if err := r.components.Store.Prune(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("event store prune failed", slogError(err))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.components != nil && r.components.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
