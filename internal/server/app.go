// Package server assembles the tracksync service from configuration: storage
// backends, providers, the run manager, progress sinks, and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/api"
	"github.com/JakeFAU/tracksync/internal/clock/system"
	"github.com/JakeFAU/tracksync/internal/config"
	"github.com/JakeFAU/tracksync/internal/id/uuid"
	"github.com/JakeFAU/tracksync/internal/jobs"
	"github.com/JakeFAU/tracksync/internal/metrics"
	"github.com/JakeFAU/tracksync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the served-mode dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	components *Components
	manager    *jobs.Manager
	apiServer  *api.Server
	telemetry  telemetry.Providers
}

// NewApp creates an App for cfg. Call Build before Run.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("completion_backend", cfg.Completion.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("search_provider", cfg.Search.Provider),
		zap.Int("concurrency", cfg.Runs.Concurrency),
	)
	return &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
}

// WithRegisterer overrides the Prometheus registry used by the progress sink.
func (a *App) WithRegisterer(reg prometheus.Registerer) *App {
	a.registerer = reg
	return a
}

// Build constructs every component. On failure anything already built is
// released.
func (a *App) Build(ctx context.Context) error {
	if a.cfg.Telemetry.Enabled {
		providers, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: a.cfg.Telemetry.ServiceName,
			ProjectID:   a.cfg.Telemetry.ProjectID,
			Registerer:  a.registerer,
		})
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		a.telemetry = providers
		a.logger.Info("telemetry initialized", zap.Bool("cloud_trace", a.cfg.Telemetry.ProjectID != ""))
	}

	components, err := BuildComponents(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.components = components

	sinks, err := components.Sinks(a.registerer)
	if err != nil {
		return errors.Join(err, a.Close(ctx))
	}
	metrics.Init()
	clock := system.New()
	manager, err := jobs.NewManager(jobs.Config{
		Concurrency:   a.cfg.Runs.Concurrency,
		QueueDepth:    a.cfg.Runs.QueueDepth,
		RatePerWindow: a.cfg.Runs.RatePerHour,
		RateWindow:    a.cfg.RateWindow(),
		RatePoll:      a.cfg.RatePoll(),
		PausePoll:     a.cfg.PausePoll(),
		SinkTimeout:   a.cfg.SinkTimeout(),
		CloseTimeout:  shutdownTimeout,
	}, jobs.Deps{
		Store:        components.Store,
		Probe:        components.Probe,
		Manifest:     components.Manifest,
		Sinks:        sinks,
		IDs:          uuid.NewUUIDGenerator(),
		Clock:        clock,
		Sleeper:      clock,
		RateObserver: metrics.ObserveAdmissionWait,
		Logger:       a.logger.Named("jobs"),
	})
	if err != nil {
		return errors.Join(fmt.Errorf("run manager init failed: %w", err), a.Close(ctx))
	}
	a.manager = manager
	metrics.SetQueueDepthSource(manager.Pending)
	a.apiServer = api.NewServer(manager, components.Builder(), components.History, a.cfg, a.logger.Named("api"))
	return nil
}

// Handler exposes the HTTP handler; Build must have succeeded.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and executes runs until ctx ends or a termination signal
// arrives.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return errors.New("app is not built")
	}
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		a.logger.Info("run manager started")
		a.manager.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.manager.Close()
	select {
	case <-managerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("run manager did not stop before the shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// Close releases backends and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.components != nil {
		if err := a.components.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		a.components = nil
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.telemetry = telemetry.Providers{}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
