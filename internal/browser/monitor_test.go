// internal/browser/monitor_test.go
package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// probeDriver is a driver stub whose health is toggled by tests.
type probeDriver struct {
	healthy atomic.Bool
	closed  atomic.Bool
	name    string
}

func newProbeDriver(name string, healthy bool) *probeDriver {
	d := &probeDriver{name: name}
	d.healthy.Store(healthy)
	return d
}

func (d *probeDriver) CaptureScreenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (d *probeDriver) Dispatch(ctx context.Context, a schemas.DriverAction) error {
	return nil
}
func (d *probeDriver) ProbePoint(ctx context.Context, x, y float64) (schemas.ProbeResult, error) {
	return schemas.ProbeResult{}, nil
}
func (d *probeDriver) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (d *probeDriver) IsHealthy(ctx context.Context) bool             { return d.healthy.Load() }
func (d *probeDriver) Close(ctx context.Context) error {
	d.closed.Store(true)
	return nil
}

func fastHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		ProbeInterval:         5 * time.Millisecond,
		ProbeTimeout:          50 * time.Millisecond,
		RestartBackoffInitial: time.Millisecond,
		RestartBackoffMax:     5 * time.Millisecond,
	}
}

func TestHealthMonitor_RestartsDeadBrowser(t *testing.T) {
	defer goleak.VerifyNone(t)

	dead := newProbeDriver("first", false)
	replacement := newProbeDriver("second", true)

	var restarts atomic.Int32
	restart := func(ctx context.Context) (schemas.BrowserDriver, error) {
		restarts.Add(1)
		return replacement, nil
	}

	m := NewHealthMonitor(dead, restart, fastHealthConfig(), zap.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Driver() == replacement && m.Healthy()
	}, time.Second, 5*time.Millisecond, "monitor should swap in the replacement driver")

	assert.True(t, dead.closed.Load(), "the dead browser must be closed before relaunch")
	assert.GreaterOrEqual(t, restarts.Load(), int32(1))
}

func TestHealthMonitor_BacksOffOnRepeatedFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	dead := newProbeDriver("first", false)
	replacement := newProbeDriver("second", true)

	var mu sync.Mutex
	attempts := 0
	restart := func(ctx context.Context) (schemas.BrowserDriver, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("chrome failed to start")
		}
		return replacement, nil
	}

	m := NewHealthMonitor(dead, restart, fastHealthConfig(), zap.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Driver() == replacement
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestHealthMonitor_HealthyBrowserIsLeftAlone(t *testing.T) {
	defer goleak.VerifyNone(t)

	alive := newProbeDriver("alive", true)
	var restarts atomic.Int32
	restart := func(ctx context.Context) (schemas.BrowserDriver, error) {
		restarts.Add(1)
		return alive, nil
	}

	m := NewHealthMonitor(alive, restart, fastHealthConfig(), zap.NewNop())
	m.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	m.Stop()

	assert.Zero(t, restarts.Load())
	assert.True(t, m.Healthy())
	assert.False(t, alive.closed.Load())
}

func TestHealthMonitor_StopDuringRestartLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	dead := newProbeDriver("dead", false)
	restart := func(ctx context.Context) (schemas.BrowserDriver, error) {
		return nil, errors.New("permanently broken environment")
	}

	m := NewHealthMonitor(dead, restart, fastHealthConfig(), zap.NewNop())
	m.Start(context.Background())

	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must interrupt an in-progress restart backoff loop")
	}
	assert.False(t, m.Healthy())
}
