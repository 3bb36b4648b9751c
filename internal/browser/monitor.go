// internal/browser/monitor.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// RestartFunc launches a replacement browser after a crash.
type RestartFunc func(ctx context.Context) (schemas.BrowserDriver, error)

// HealthMonitor periodically probes a driver and replaces it when it stops
// responding. Restart attempts back off exponentially so a persistently
// broken environment does not spin the CPU relaunching Chrome.
type HealthMonitor struct {
	cfg     config.HealthConfig
	logger  *zap.Logger
	restart RestartFunc

	mu      sync.RWMutex
	driver  schemas.BrowserDriver
	healthy bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHealthMonitor wraps a freshly launched driver. The monitor is inert
// until Start.
func NewHealthMonitor(driver schemas.BrowserDriver, restart RestartFunc, cfg config.HealthConfig, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		cfg:     cfg,
		logger:  logger.Named("browser.monitor"),
		restart: restart,
		driver:  driver,
		healthy: true,
		stopCh:  make(chan struct{}),
	}
}

// Driver returns the current live driver. Callers must re-fetch it per
// iteration; a restart swaps the instance out from under long-held copies.
func (m *HealthMonitor) Driver() schemas.BrowserDriver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driver
}

// Healthy reports the last probe verdict.
func (m *HealthMonitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Start launches the probe loop. It runs until Stop or ctx cancellation.
func (m *HealthMonitor) Start(ctx context.Context) {
	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.probe(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *HealthMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	defer cancel()

	if m.Driver().IsHealthy(probeCtx) {
		m.mu.Lock()
		m.healthy = true
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
	m.logger.Warn("Browser unresponsive, attempting restart.")

	if err := m.replaceDriver(ctx); err != nil {
		m.logger.Error("Browser restart abandoned.", zap.Error(err))
	}
}

// replaceDriver closes the dead browser and launches a new one under
// exponential backoff. It returns once a replacement is live or the monitor
// is stopped.
func (m *HealthMonitor) replaceDriver(ctx context.Context) error {
	if m.restart == nil {
		return fmt.Errorf("no restart function configured")
	}

	restartCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-restartCtx.Done():
		}
	}()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := m.Driver().Close(closeCtx); err != nil {
		m.logger.Debug("Closing dead browser failed.", zap.Error(err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RestartBackoffInitial
	bo.MaxInterval = m.cfg.RestartBackoffMax
	bo.MaxElapsedTime = 0 // keep trying until stopped

	operation := func() error {
		fresh, err := m.restart(restartCtx)
		if err != nil {
			m.logger.Warn("Browser relaunch failed, backing off.", zap.Error(err))
			return err
		}
		m.mu.Lock()
		m.driver = fresh
		m.healthy = true
		m.mu.Unlock()
		m.logger.Info("Browser restarted.")
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(bo, restartCtx))
}

func (m *HealthMonitor) probeTimeout() time.Duration {
	if m.cfg.ProbeTimeout > 0 {
		return m.cfg.ProbeTimeout
	}
	return 10 * time.Second
}
