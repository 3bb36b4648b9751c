// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// defaultScrollDY is the viewport delta used when a scroll plan targets an
// element rather than naming a distance.
const defaultScrollDY = 600

// Executor translates validated ActionPlans into driver actions. Action
// failures never surface as Go errors; every outcome, good or bad, travels
// back to the loop as an ExecutionOutcome so it lands in history.
type Executor struct {
	driver    schemas.BrowserDriver
	maxWaitMS int
	logger    *zap.Logger
}

// NewExecutor wires an executor onto a session's driver.
func NewExecutor(driver schemas.BrowserDriver, cfg config.LoopConfig, logger *zap.Logger) *Executor {
	return &Executor{
		driver:    driver,
		maxWaitMS: cfg.MaxWaitMS,
		logger:    logger.Named("executor"),
	}
}

// Execute runs one plan against the live page. Terminal plans (finish/fail)
// involve no driver work and always succeed. The returned outcome's
// ErrorKind distinguishes a target that went stale on the live page from a
// target id the snapshot never contained.
func (e *Executor) Execute(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) schemas.ExecutionOutcome {
	if plan.Kind.Terminal() {
		return schemas.SuccessOutcome("")
	}

	var outcome schemas.ExecutionOutcome
	switch plan.Kind {
	case schemas.ActionClick:
		outcome = e.click(ctx, plan, snapshot)
	case schemas.ActionType:
		outcome = e.typeText(ctx, plan, snapshot)
	case schemas.ActionNavigate:
		outcome = e.navigate(ctx, plan)
	case schemas.ActionScroll:
		outcome = e.scroll(ctx, plan, snapshot)
	case schemas.ActionWait:
		outcome = e.wait(ctx, plan)
	default:
		outcome = schemas.FailureOutcome(schemas.ErrKindUnsupported,
			fmt.Sprintf("no dispatch for action kind %q", plan.Kind))
	}

	if !outcome.Succeeded {
		e.logger.Warn("Action failed.",
			zap.String("plan", plan.Describe()),
			zap.String("error_kind", string(outcome.ErrorKind)),
			zap.String("hint", outcome.Hint))
	}
	return outcome
}

// resolveTarget maps the plan's element id to a live, interactable point.
// The probe is what separates stale_target (the page moved on under us)
// from invalid_target (the plan referenced an id that never existed).
func (e *Executor) resolveTarget(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) (x, y float64, outcome schemas.ExecutionOutcome, ok bool) {
	id, has := plan.Target()
	if !has {
		return 0, 0, schemas.FailureOutcome(schemas.ErrKindInvalidTarget, "plan carries no target id"), false
	}
	el, found := snapshot.Element(id)
	if !found {
		return 0, 0, schemas.FailureOutcome(schemas.ErrKindInvalidTarget,
			fmt.Sprintf("element %d is not in the snapshot", id)), false
	}

	x, y = el.Box.Center()
	probe, err := e.driver.ProbePoint(ctx, x, y)
	if err != nil {
		return 0, 0, e.driverFailure(ctx, err, "probe"), false
	}
	if !probe.Hit || !probe.Interactable {
		return 0, 0, schemas.FailureOutcome(schemas.ErrKindStaleTarget,
			fmt.Sprintf("element %d (%s) no longer interactable at %.0f,%.0f", id, el.Label, x, y)), false
	}
	return x, y, schemas.ExecutionOutcome{}, true
}

func (e *Executor) click(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) schemas.ExecutionOutcome {
	x, y, failure, ok := e.resolveTarget(ctx, plan, snapshot)
	if !ok {
		return failure
	}
	if err := e.driver.Dispatch(ctx, schemas.DriverAction{Kind: schemas.DriverClick, X: x, Y: y}); err != nil {
		return e.driverFailure(ctx, err, "click")
	}
	return schemas.SuccessOutcome(fmt.Sprintf("clicked at %.0f,%.0f", x, y))
}

func (e *Executor) typeText(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) schemas.ExecutionOutcome {
	x, y, failure, ok := e.resolveTarget(ctx, plan, snapshot)
	if !ok {
		return failure
	}
	action := schemas.DriverAction{Kind: schemas.DriverTypeText, X: x, Y: y, Text: plan.Text}
	if err := e.driver.Dispatch(ctx, action); err != nil {
		return e.driverFailure(ctx, err, "type")
	}
	return schemas.SuccessOutcome(fmt.Sprintf("typed %d characters", len(plan.Text)))
}

func (e *Executor) navigate(ctx context.Context, plan *schemas.ActionPlan) schemas.ExecutionOutcome {
	if err := e.driver.Dispatch(ctx, schemas.DriverAction{Kind: schemas.DriverNavigate, URL: plan.URL}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return schemas.FailureOutcome(schemas.ErrKindTimeout, "navigation timed out: "+plan.URL)
		}
		return schemas.FailureOutcome(schemas.ErrKindNavigation, err.Error())
	}
	return schemas.SuccessOutcome("page navigated to " + plan.URL)
}

func (e *Executor) scroll(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) schemas.ExecutionOutcome {
	dy := float64(plan.ScrollDY)
	if id, ok := plan.Target(); ok {
		el, found := snapshot.Element(id)
		if !found {
			return schemas.FailureOutcome(schemas.ErrKindInvalidTarget,
				fmt.Sprintf("element %d is not in the snapshot", id))
		}
		// Scroll toward the element: aim its center at mid-viewport by
		// moving the distance between them, with a floor so tiny offsets
		// still produce movement.
		_, cy := el.Box.Center()
		dy = cy - viewportMidpoint(snapshot)
		if dy == 0 {
			dy = defaultScrollDY
		}
	}

	if err := e.driver.Dispatch(ctx, schemas.DriverAction{Kind: schemas.DriverScroll, DeltaY: dy}); err != nil {
		return e.driverFailure(ctx, err, "scroll")
	}
	return schemas.SuccessOutcome(fmt.Sprintf("viewport scrolled %+.0fpx", dy))
}

func (e *Executor) wait(ctx context.Context, plan *schemas.ActionPlan) schemas.ExecutionOutcome {
	ms := plan.WaitMS
	capped := false
	if e.maxWaitMS > 0 && ms > e.maxWaitMS {
		ms = e.maxWaitMS
		capped = true
	}
	if err := e.driver.Dispatch(ctx, schemas.DriverAction{Kind: schemas.DriverWait, DurationMS: ms}); err != nil {
		return e.driverFailure(ctx, err, "wait")
	}
	hint := fmt.Sprintf("waited %dms", ms)
	if capped {
		hint += fmt.Sprintf(" (requested %dms, capped)", plan.WaitMS)
	}
	return schemas.SuccessOutcome(hint)
}

// driverFailure classifies a driver error into the outcome taxonomy.
func (e *Executor) driverFailure(ctx context.Context, err error, op string) schemas.ExecutionOutcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schemas.FailureOutcome(schemas.ErrKindTimeout, op+" timed out")
	}
	return schemas.FailureOutcome(schemas.ErrKindDriver, op+": "+err.Error())
}

// viewportMidpoint estimates the vertical middle of the viewport from the
// snapshot image height when known, else from a conventional default.
func viewportMidpoint(snapshot *schemas.Snapshot) float64 {
	// Elements beyond the fold cannot appear in a viewport screenshot, so
	// the lowest detected edge bounds the visible height from below.
	maxY := 0
	for _, el := range snapshot.Elements {
		if el.Box.Y1 > maxY {
			maxY = el.Box.Y1
		}
	}
	if maxY == 0 {
		return 450
	}
	return float64(maxY) / 2
}
