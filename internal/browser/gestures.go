// internal/browser/gestures.go
package browser

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// Gesturer generates humanized input: curved pointer trajectories with
// per-step jitter, randomized click hold times, and jittered typing cadence.
// Synthetic single-event input is trivially fingerprintable; pages that gate
// on behavioral signals drop their widgets or CAPTCHAs early otherwise.
type Gesturer struct {
	cfg config.GestureConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGesturer seeds a gesturer from the wall clock.
func NewGesturer(cfg config.GestureConfig) *Gesturer {
	return &Gesturer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enabled reports whether humanized input is on.
func (g *Gesturer) Enabled() bool { return g.cfg.Enabled }

// PointerPath produces a sequence of mouse-move events from start to end
// along a quadratic Bezier curve whose control point is displaced
// perpendicular to the straight line, with small per-step jitter. The final
// event lands exactly on the target.
func (g *Gesturer) PointerPath(startX, startY, endX, endY float64) []schemas.MouseEventData {
	steps := g.cfg.MoveSteps
	if steps < 2 {
		steps = 2
	}

	dx, dy := endX-startX, endY-startY
	dist := math.Hypot(dx, dy)
	if dist < 1.0 {
		return []schemas.MouseEventData{{Type: schemas.MouseMove, X: endX, Y: endY, Button: schemas.ButtonNone}}
	}

	g.mu.Lock()
	// Bow the path sideways proportionally to the distance, direction chosen
	// at random so repeated moves do not share a signature.
	bow := (g.rng.Float64()*0.2 + 0.05) * dist
	if g.rng.Intn(2) == 0 {
		bow = -bow
	}
	jitter := make([][2]float64, steps)
	for i := range jitter {
		jitter[i] = [2]float64{
			(g.rng.Float64()*2 - 1) * g.cfg.MoveJitterPx,
			(g.rng.Float64()*2 - 1) * g.cfg.MoveJitterPx,
		}
	}
	g.mu.Unlock()

	// Perpendicular unit vector for the control point displacement.
	px, py := -dy/dist, dx/dist
	cx := startX + dx/2 + px*bow
	cy := startY + dy/2 + py*bow

	path := make([]schemas.MouseEventData, 0, steps)
	for i := 1; i <= steps; i++ {
		t := easeInOutCubic(float64(i) / float64(steps))
		omt := 1 - t
		x := omt*omt*startX + 2*omt*t*cx + t*t*endX
		y := omt*omt*startY + 2*omt*t*cy + t*t*endY
		if i < steps {
			x += jitter[i-1][0]
			y += jitter[i-1][1]
		} else {
			x, y = endX, endY
		}
		path = append(path, schemas.MouseEventData{
			Type:   schemas.MouseMove,
			X:      x,
			Y:      y,
			Button: schemas.ButtonNone,
		})
	}
	return path
}

// ClickHold returns how long the button stays pressed for one click.
func (g *Gesturer) ClickHold() time.Duration {
	return g.randomDuration(g.cfg.ClickHoldMinMs, g.cfg.ClickHoldMaxMs, 60*time.Millisecond)
}

// KeyDelay returns the pause before the next keystroke.
func (g *Gesturer) KeyDelay() time.Duration {
	return g.randomDuration(g.cfg.KeyDelayMinMs, g.cfg.KeyDelayMaxMs, 50*time.Millisecond)
}

// StepDelay returns the pause between two pointer-path events. Total travel
// time stays in the low hundreds of milliseconds for a typical move.
func (g *Gesturer) StepDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration(4+g.rng.Intn(8)) * time.Millisecond
}

func (g *Gesturer) randomDuration(minMs, maxMs int, fallback time.Duration) time.Duration {
	if minMs <= 0 || maxMs < minMs {
		return fallback
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration(minMs+g.rng.Intn(maxMs-minMs+1)) * time.Millisecond
}

// easeInOutCubic shapes pointer velocity: slow start, fast middle, gentle
// landing near the target.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
