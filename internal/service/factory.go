// Package service wires configuration into running components. It is the
// single place that knows how to assemble a browser, the vision pipeline,
// the reasoner, and the session manager.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/browser"
	"github.com/visorlabs/visor-cli/internal/browser/capture"
	"github.com/visorlabs/visor-cli/internal/config"
	"github.com/visorlabs/visor-cli/internal/executor"
	"github.com/visorlabs/visor-cli/internal/llmclient"
	"github.com/visorlabs/visor-cli/internal/perception"
	"github.com/visorlabs/visor-cli/internal/reasoner"
	"github.com/visorlabs/visor-cli/internal/session"
	"github.com/visorlabs/visor-cli/internal/store"
	"github.com/visorlabs/visor-cli/internal/vision"
)

// Components holds the long-lived parts of a running instance.
type Components struct {
	Config  *config.Config
	Logger  *zap.Logger
	Manager *session.Manager
	Store   *store.Store

	pool *pgxpool.Pool
}

// Build assembles the session manager and, when a DSN is configured, the
// Postgres store. Per-session resources (browser, vision clients, LLM
// client) are created lazily by the deps factory.
func Build(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	var sessionStore schemas.SessionStore
	if cfg.Store.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		c.pool = pool
		c.Store = st
		sessionStore = st
		logger.Info("Session store connected.")
	}

	c.Manager = session.NewManager(*cfg, NewDepsFactory(cfg, version, logger), sessionStore, logger)
	return c, nil
}

// Close shuts down the manager and releases shared resources.
func (c *Components) Close(ctx context.Context) error {
	err := c.Manager.Shutdown(ctx)
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}

// NewDepsFactory returns a factory that builds one full observe-reason-act
// stack per session, with a cleanup that tears it down in reverse order.
func NewDepsFactory(cfg *config.Config, version string, logger *zap.Logger) session.DepsFactory {
	return func(ctx context.Context, sessionID string) (session.SessionDeps, func(), error) {
		log := logger.With(zap.String("session_id", sessionID))

		// Partial-construction failures must not leak a browser or proxy.
		var cleanups []func()
		runCleanups := func() {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
		ok := false
		defer func() {
			if !ok {
				runCleanups()
			}
		}()

		artifacts := session.NewArtifactWriter(cfg.Artifacts, sessionID, log)

		var recorder *capture.Recorder
		proxyAddr := ""
		if cfg.Browser.Capture.Enabled {
			recorder = capture.NewRecorder(cfg.Browser.Capture, version, log)
			addr, err := recorder.Start()
			if err != nil {
				return session.SessionDeps{}, nil, fmt.Errorf("failed to start capture proxy: %w", err)
			}
			proxyAddr = addr
			cleanups = append(cleanups, func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := recorder.Stop(stopCtx); err != nil {
					log.Warn("Stopping capture proxy failed.", zap.Error(err))
				}
			})
		}

		driver, err := browser.NewDriver(ctx, cfg.Browser, proxyAddr, log)
		if err != nil {
			return session.SessionDeps{}, nil, fmt.Errorf("failed to launch browser: %w", err)
		}

		restart := func(ctx context.Context) (schemas.BrowserDriver, error) {
			return browser.NewDriver(ctx, cfg.Browser, proxyAddr, log)
		}
		monitor := browser.NewHealthMonitor(driver, restart, cfg.Browser.Health, log)
		monitor.Start(ctx)
		cleanups = append(cleanups, func() {
			monitor.Stop()
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := monitor.Driver().Close(closeCtx); err != nil {
				log.Warn("Closing browser failed.", zap.Error(err))
			}
		})

		detector, err := vision.NewDetectorClient(cfg.Vision, log)
		if err != nil {
			return session.SessionDeps{}, nil, err
		}
		var recognizer schemas.Recognizer
		if cfg.Vision.OCR.Enabled {
			ocr, err := vision.NewOCRClient(cfg.Vision, log)
			if err != nil {
				return session.SessionDeps{}, nil, err
			}
			recognizer = ocr
		}
		engine := perception.NewEngine(cfg.Vision, detector, recognizer, log)

		llm, err := llmclient.NewClient(ctx, cfg.Reasoner, log)
		if err != nil {
			return session.SessionDeps{}, nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		router, err := llmclient.NewRateLimitedRouter(log, llm, cfg.Reasoner.RateLimitRPS)
		if err != nil {
			return session.SessionDeps{}, nil, err
		}
		cleanups = append(cleanups, func() {
			if err := router.Close(); err != nil {
				log.Warn("Closing LLM client failed.", zap.Error(err))
			}
		})

		sessDriver := &monitoredDriver{monitor: monitor}
		deps := session.SessionDeps{
			Driver:    sessDriver,
			Perceiver: engine,
			Planner:   reasoner.NewReasoner(router, cfg.Reasoner, log),
			Executor:  executor.NewExecutor(sessDriver, cfg.Loop, log),
			Artifacts: artifacts,
		}

		cleanup := func() {
			// The HAR must be written before the proxy shuts down.
			if recorder != nil {
				artifacts.WriteHAR(recorder.HAR())
			}
			runCleanups()
		}

		ok = true
		return deps, cleanup, nil
	}
}

// monitoredDriver routes every call through the health monitor so a
// restarted browser is picked up transparently. Lifecycle stays with the
// deps cleanup, so Close is a no-op.
type monitoredDriver struct {
	monitor *browser.HealthMonitor
}

func (d *monitoredDriver) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	return d.monitor.Driver().CaptureScreenshot(ctx)
}

func (d *monitoredDriver) Dispatch(ctx context.Context, action schemas.DriverAction) error {
	return d.monitor.Driver().Dispatch(ctx, action)
}

func (d *monitoredDriver) ProbePoint(ctx context.Context, x, y float64) (schemas.ProbeResult, error) {
	return d.monitor.Driver().ProbePoint(ctx, x, y)
}

func (d *monitoredDriver) CurrentURL(ctx context.Context) (string, error) {
	return d.monitor.Driver().CurrentURL(ctx)
}

func (d *monitoredDriver) IsHealthy(ctx context.Context) bool {
	return d.monitor.Healthy()
}

func (d *monitoredDriver) Close(ctx context.Context) error { return nil }
