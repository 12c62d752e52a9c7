// Package manager boots and supervises the pipeline: it constructs every
// stage from configuration, runs one consumer per stage, publishes periodic
// liveness snapshots and owns the ordered shutdown.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TechGeekConnectTech/demised/internal/broker"
	"github.com/TechGeekConnectTech/demised/internal/config"
	"github.com/TechGeekConnectTech/demised/internal/cooling"
	"github.com/TechGeekConnectTech/demised/internal/dedupe"
	"github.com/TechGeekConnectTech/demised/internal/metrics"
	"github.com/TechGeekConnectTech/demised/internal/oracle"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
	"github.com/TechGeekConnectTech/demised/internal/stage"
)

type Manager struct {
	cfg      *config.Config
	log      *zap.Logger
	client   *broker.Client
	ledger   *dedupe.Ledger
	monitor  *cooling.Monitor
	runners  []*stage.Runner
	workers  map[string]int
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	status   *statusWriter
}

// New wires the whole pipeline. Any initialization failure aborts startup;
// a partial pipeline must never run.
func New(cfg *config.Config, log *zap.Logger) (*Manager, error) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	client, err := broker.Connect(cfg.Broker, log)
	if err != nil {
		return nil, err
	}

	var ledger *dedupe.Ledger
	if cfg.Dedupe.Enabled {
		ledger, err = dedupe.Open(cfg.Dedupe.Dir, cfg.Dedupe.Window)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	mgr := &Manager{
		cfg:      cfg,
		log:      log,
		client:   client,
		ledger:   ledger,
		metrics:  m,
		registry: registry,
		workers:  make(map[string]int),
		status:   newStatusWriter(cfg.Status.File, log),
	}

	if err := mgr.buildStages(); err != nil {
		mgr.closeResources()
		return nil, err
	}
	return mgr, nil
}

// buildStages assembles the stage table from configuration and verifies the
// routing-uniqueness constraint before anything starts consuming.
func (m *Manager) buildStages() error {
	type entry struct {
		def     stage.Definition
		workers int
	}
	var entries []entry

	if m.cfg.Pipeline.Check.Enabled {
		entries = append(entries, entry{
			def:     stage.Check(oracle.NewSimulatedPortal()),
			workers: m.cfg.Pipeline.Check.Workers,
		})
	}
	if m.cfg.Pipeline.PowerOff.Enabled {
		entries = append(entries, entry{
			def:     stage.PowerOff(oracle.NewSimulatedPowerController(m.log), m.cfg.Cooling.Enabled),
			workers: m.cfg.Pipeline.PowerOff.Workers,
		})
	}
	if m.cfg.Pipeline.Demise.Enabled {
		entries = append(entries, entry{
			def:     stage.Demise(oracle.NewSimulatedDecommissioner(m.log)),
			workers: m.cfg.Pipeline.Demise.Workers,
		})
	}
	if m.cfg.Pipeline.Cooling.Enabled {
		m.monitor = cooling.NewMonitor(
			m.cfg.Cooling, m.client, oracle.NewSimulatedPowerStatusChecker(), m.metrics, m.log)
		entries = append(entries, entry{
			def:     m.monitor.Definition(),
			workers: m.cfg.Pipeline.Cooling.Workers,
		})
	}
	if len(entries) == 0 {
		return fmt.Errorf("no pipeline stages enabled")
	}

	// Routing uniqueness: two stages matching the same (action, status)
	// would both execute every matching message.
	seen := make(map[message.Trigger]string)
	for _, e := range entries {
		if prev, dup := seen[e.def.Trigger]; dup {
			return fmt.Errorf("stages %s and %s share trigger %s", prev, e.def.Name, e.def.Trigger)
		}
		seen[e.def.Trigger] = e.def.Name
	}

	for _, e := range entries {
		m.runners = append(m.runners, stage.NewRunner(e.def, m.client, m.ledger, m.metrics, m.log))
		m.workers[e.def.Name] = e.workers
	}
	return nil
}

// Run starts every consumer and blocks until ctx is cancelled or a consumer
// fails, then performs the ordered shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.client.EnsureStream(m.cfg.Dedupe.Window); err != nil {
		m.closeResources()
		return err
	}

	total := 0
	for _, n := range m.workers {
		total += n
	}
	m.log.Info("starting pipeline",
		zap.Int("processors", len(m.runners)),
		zap.Int("workers", total))
	m.status.write("starting", len(m.runners), total, 0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := m.startHTTP()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.runners))
	for _, r := range m.runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			durable := m.cfg.Broker.DurablePrefix + "_" + r.Name()
			if err := m.client.Consume(ctx, durable, r.Handle, m.workers[r.Name()]); err != nil {
				errCh <- fmt.Errorf("consumer %s: %w", r.Name(), err)
				cancel()
			}
		}()
	}

	m.status.write("running", len(m.runners), total, m.activeSessions())
	m.log.Info("pipeline running")

	var runErr error
	ticker := time.NewTicker(m.cfg.Status.Interval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			m.status.write("running", len(m.runners), total, m.activeSessions())
			m.log.Debug("pipeline heartbeat", zap.Int("cooling_sessions", m.activeSessions()))
		case err := <-errCh:
			runErr = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	m.log.Info("stopping pipeline")
	m.status.write("stopping", len(m.runners), total, m.activeSessions())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("http shutdown", zap.Error(err))
	}

	wg.Wait()
	if m.monitor != nil {
		m.monitor.Wait()
	}
	m.closeResources()
	m.status.remove()
	m.log.Info("pipeline stopped")
	return runErr
}

func (m *Manager) activeSessions() int {
	if m.monitor == nil {
		return 0
	}
	return m.monitor.ActiveSessions()
}

// startHTTP serves the metrics and health endpoints for the status
// collaborator.
func (m *Manager) startHTTP() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/cooling", func(w http.ResponseWriter, _ *http.Request) {
		var sessions []cooling.Summary
		if m.monitor != nil {
			sessions = m.monitor.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_sessions": len(sessions),
			"sessions":       sessions,
		})
	})

	srv := &http.Server{Addr: m.cfg.Status.ListenAddr, Handler: mux}
	go func() {
		m.log.Info("status listener started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("status listener", zap.Error(err))
		}
	}()
	return srv
}

func (m *Manager) closeResources() {
	m.client.Close()
	if m.ledger != nil {
		if err := m.ledger.Close(); err != nil {
			m.log.Warn("close dedupe ledger", zap.Error(err))
		}
	}
}
