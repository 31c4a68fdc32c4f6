// Package runtime assembles the daemon: transport, session registry,
// orchestrator, adapters, bus, persistence, and the operational HTTP
// surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthside-labs/hearth-core/internal/bus"
	"github.com/hearthside-labs/hearth-core/internal/config"
	"github.com/hearthside-labs/hearth-core/internal/gateway"
	"github.com/hearthside-labs/hearth-core/internal/natsserver"
	"github.com/hearthside-labs/hearth-core/internal/respond"
	"github.com/hearthside-labs/hearth-core/internal/sched"
	"github.com/hearthside-labs/hearth-core/internal/session"
	"github.com/hearthside-labs/hearth-core/internal/stt"
	"github.com/hearthside-labs/hearth-core/internal/tts"
	"github.com/hearthside-labs/hearth-core/internal/turn"
	"github.com/hearthside-labs/hearth-core/internal/turnstore"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	store       *turnstore.Store
	registry    *session.Registry
	gateway     *gateway.Gateway

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled, then
// shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.natsServer = srv
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := turnstore.Open(ctx, r.cfg.TurnStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open turn store: %w", err)
	}
	r.store = store

	transcriber, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to build transcriber: %w", err)
	}
	responder, err := respond.New(r.cfg.Responder)
	if err != nil {
		return fmt.Errorf("failed to build responder: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to build synthesizer: %w", err)
	}

	r.registry = session.NewRegistry(r.logger)
	scheduler := sched.New(r.cfg.Scheduler.Capacity, r.cfg.Scheduler.QueueSize, r.logger)
	orch := turn.NewOrchestrator(r.cfg, scheduler, transcriber, responder, synth, busClient, store, r.logger)
	r.gateway = gateway.New(r.cfg.Gateway, r.registry, orch, r.logger)

	idleAfter := time.Duration(r.cfg.Gateway.IdleEvictionMS) * time.Millisecond
	r.registry.StartEviction(ctx, idleAfter/4+time.Second, idleAfter, func(sess *session.Session) {
		r.gateway.CloseDevice(sess.DeviceID)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle(r.cfg.Gateway.Path, r.gateway.Handler())

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go r.maintenanceLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("gateway_path", r.cfg.Gateway.Path),
		slog.Int("scheduler_capacity", r.cfg.Scheduler.Capacity))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.gateway.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.registry.Close()
	r.wg.Wait()

	r.busClient.Close()
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("turn store close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// maintenanceLoop applies turn store retention on a fixed cadence.
func (r *Runtime) maintenanceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("turn store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleSessions exposes the registry snapshot for operators.
func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snapshot := r.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Sessions    []session.Info `json:"sessions"`
		Connections int            `json:"connections"`
	}{snapshot, r.gateway.ConnCount()}); err != nil {
		r.logger.Warn("sessions encode failed", slog.String("error", err.Error()))
	}
}
