// Package manager implements the top-level spaces table from spec.md §5:
// it owns one internal/space.Driver per configured space and runs each
// on its own ticker-driven goroutine, grounded on the teacher's
// internal/manager/orchestration.DeploymentReconciler (ticker + stopCh +
// sync.WaitGroup shutdown shape) and internal/operator.Service (owning
// its sub-components and an HTTP health handler, with Start blocking on
// ctx.Done()).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	_ "github.com/iris-ac-uk/iris-vcycle/internal/cloud/openstack"
	"github.com/iris-ac-uk/iris-vcycle/internal/factory"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	vcconfig "github.com/iris-ac-uk/iris-vcycle/internal/shared/config"
	"github.com/iris-ac-uk/iris-vcycle/internal/shared/health"
	"github.com/iris-ac-uk/iris-vcycle/internal/space"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
	"github.com/iris-ac-uk/iris-vcycle/internal/telemetry"
	"github.com/iris-ac-uk/iris-vcycle/internal/telemetry/vacmon"
)

// VersionString is stamped into every machine the factory creates
// (spec.md §4.7 user-data, the `factory_version` field); overridden at
// link time via -ldflags in cmd/vcycled's build.
var VersionString = "dev"

// worker pairs a space's cycle driver with the ticker goroutine driving
// it.
type worker struct {
	driver *space.Driver
	name   string
}

// Manager owns every configured space's Driver and the process-wide
// health endpoint. It holds no package-level mutable state (spec.md §9
// Design Notes: "module-level spaces table → Manager value").
type Manager struct {
	cfg    *vcconfig.ManagerConfig
	store  *store.Store
	logger *slog.Logger
	health *health.Handler

	workers []worker

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Manager from cfg and spaces, constructing one cloud
// adapter, factory, telemetry recorder and vacmon emitter per space and
// binding them into a space.Driver. A space whose adapter cannot be
// constructed (unregistered `api` string, missing credentials) is a
// Fatal config error — spec.md §7 treats an unsupported backend as a
// startup-time failure, not a per-cycle one.
func New(cfg *vcconfig.ManagerConfig, logger *slog.Logger, st *store.Store, spaces []*model.Space) (*Manager, error) {
	hostname := cfg.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine hostname: %w", err)
		}
		hostname = h
	}

	m := &Manager{
		cfg:    cfg,
		store:  st,
		logger: logger,
		health: health.NewHandler(),
		stopCh: make(chan struct{}),
	}

	for _, sp := range spaces {
		adapter, err := cloud.New(cloud.Config{
			API:        sp.API,
			APIVersion: sp.APIVersion,
			Options:    sp.Credentials,
		})
		if err != nil {
			return nil, fmt.Errorf("space %s: %w", sp.Name, err)
		}

		// Each space gets its own *rand.Rand: spaces run on independent
		// goroutines and internal/takeover, internal/factory both draw from
		// theirs, so sharing one source across spaces would race.
		rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(sp.Name))))

		fac := factory.New(st, hostname, VersionString, rng)
		recorder := telemetry.NewRecorder(st.Root(), hostname)
		emitter := vacmon.NewEmitter(hostname)

		driver := space.New(sp, adapter, st, hostname, fac, recorder, emitter, logger.With("space", sp.Name), rng)
		m.workers = append(m.workers, worker{driver: driver, name: sp.Name})
	}

	m.health.AddLivenessCheck(func(context.Context) error {
		return nil
	})
	m.health.AddReadinessCheck(func(context.Context) error {
		probe, err := os.CreateTemp(st.Root(), ".readyz-")
		if err != nil {
			return fmt.Errorf("state store root not writable: %w", err)
		}
		probe.Close()
		os.Remove(probe.Name())
		for _, w := range m.workers {
			if w.driver.EverConnected() {
				return nil
			}
		}
		if len(m.workers) == 0 {
			return nil
		}
		return fmt.Errorf("no space has connected yet")
	})

	return m, nil
}

// Health exposes the manager's health.Handler so cmd/vcycled (and tests)
// can mount it, or probe it directly without going through HTTP.
func (m *Manager) Health() *health.Handler {
	return m.health
}

// Start runs every space's cycle loop on its own goroutine and serves
// the health endpoint until ctx is cancelled, then waits for every
// goroutine to finish its current cycle before returning (graceful
// shutdown, same shape as internal/operator.Service.Start).
func (m *Manager) Start(ctx context.Context) error {
	interval := time.Duration(m.cfg.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	m.logger.Info("starting vcycle manager", slog.Int("spaces", len(m.workers)), slog.Duration("cycle_interval", interval))

	for _, w := range m.workers {
		m.wg.Add(1)
		go m.runSpace(ctx, w, interval)
	}

	mux := http.NewServeMux()
	m.health.RegisterHandlers(mux)
	server := &http.Server{Addr: m.cfg.HealthAddr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("health server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	m.logger.Info("shutting down vcycle manager")

	close(m.stopCh)
	m.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runSpace drives one space's cycle on a ticker, running an initial
// cycle immediately rather than waiting out the first interval
// (matching the teacher reconciler's "run once, then tick").
func (m *Manager) runSpace(ctx context.Context, w worker, interval time.Duration) {
	defer m.wg.Done()

	if err := w.driver.RunCycle(ctx); err != nil {
		m.logger.Error("initial cycle failed", slog.String("space", w.name), slog.Any("error", err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.driver.RunCycle(ctx); err != nil {
				m.logger.Error("cycle failed", slog.String("space", w.name), slog.Any("error", err))
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
