// internal/reasoner/reasoner.go
package reasoner

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
	"github.com/visorlabs/visor-cli/internal/llmutil"
)

// defaultWaitMS fills in a wait plan that names no duration.
const defaultWaitMS = 1000

// Error is a reasoning stage failure: either the LLM service failed outright
// or every corrective retry produced an unusable plan. It carries the attempt
// count and the last raw model output for diagnosis.
type Error struct {
	Attempts int
	LastRaw  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reasoning failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reasoner converts page state into the next ActionPlan. It holds no
// per-session state; the snapshot and history tail carry everything the
// model needs per call.
type Reasoner struct {
	llm    schemas.LLMClient
	cfg    config.ReasonerConfig
	logger *zap.Logger
}

// NewReasoner builds a reasoner on top of an LLM client (normally the
// rate-limited router).
func NewReasoner(llm schemas.LLMClient, cfg config.ReasonerConfig, logger *zap.Logger) *Reasoner {
	return &Reasoner{
		llm:    llm,
		cfg:    cfg,
		logger: logger.Named("reasoner"),
	}
}

// Plan asks the model for the next action and validates it against the
// snapshot. A malformed or invalid response triggers a corrective re-prompt
// naming the defect, up to RetryCount retries beyond the first call. The
// returned plan is always valid for this snapshot; there is no silent
// fallback action.
func (r *Reasoner) Plan(ctx context.Context, goal string, snapshot *schemas.Snapshot, tail []schemas.HistoryEntry) (*schemas.ActionPlan, error) {
	basePrompt := buildUserPrompt(goal, snapshot, tail)
	userPrompt := basePrompt

	attempts := r.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastRaw string
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := r.llm.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
			Tier:         schemas.TierFast,
			Options: schemas.GenerationOptions{
				Temperature:     r.cfg.Temperature,
				ForceJSONFormat: true,
				MaxTokens:       r.cfg.MaxTokens,
			},
		})
		if err != nil {
			// Service-level failure: the client already retried transient
			// errors, so a corrective re-prompt cannot help.
			return nil, &Error{Attempts: attempt, LastRaw: lastRaw, Err: err}
		}
		lastRaw = raw

		plan, perr := llmutil.ParseJSONResponse[schemas.ActionPlan](raw)
		if perr == nil {
			perr = validatePlan(plan, snapshot)
		}
		if perr == nil {
			applyDefaults(plan)
			r.logger.Debug("Plan accepted.",
				zap.Int("attempt", attempt),
				zap.String("plan", plan.Describe()),
				zap.Float64("confidence", plan.Confidence))
			return plan, nil
		}

		lastErr = perr
		r.logger.Warn("Plan rejected, issuing corrective re-prompt.",
			zap.Int("attempt", attempt),
			zap.Error(perr))
		userPrompt = correctivePrompt(basePrompt, raw, perr)
	}

	return nil, &Error{Attempts: attempts, LastRaw: lastRaw, Err: lastErr}
}

// validatePlan enforces the kind-specific requirements against the snapshot
// that will execute the plan.
func validatePlan(plan *schemas.ActionPlan, snapshot *schemas.Snapshot) error {
	if !plan.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q; must be one of %v", plan.Kind, schemas.KnownActionKinds)
	}

	switch plan.Kind {
	case schemas.ActionClick, schemas.ActionType:
		id, ok := plan.Target()
		if !ok {
			return fmt.Errorf("%s requires target_id", plan.Kind)
		}
		if _, found := snapshot.Element(id); !found {
			return fmt.Errorf("target_id %d is not in the element list (%d elements)", id, len(snapshot.Elements))
		}
		if plan.Kind == schemas.ActionType && strings.TrimSpace(plan.Text) == "" {
			return fmt.Errorf("type requires non-empty text")
		}

	case schemas.ActionNavigate:
		u, err := url.Parse(plan.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("navigate requires an absolute http(s) url, got %q", plan.URL)
		}

	case schemas.ActionScroll:
		if _, ok := plan.Target(); !ok && plan.ScrollDY == 0 {
			return fmt.Errorf("scroll requires target_id or a non-zero scroll_dy")
		}
		if id, ok := plan.Target(); ok {
			if _, found := snapshot.Element(id); !found {
				return fmt.Errorf("target_id %d is not in the element list", id)
			}
		}

	case schemas.ActionWait:
		if plan.WaitMS < 0 {
			return fmt.Errorf("wait_ms must be positive, got %d", plan.WaitMS)
		}

	case schemas.ActionFail:
		if strings.TrimSpace(plan.Reason) == "" {
			return fmt.Errorf("fail requires a reason")
		}
	}

	return nil
}

// applyDefaults fills in optional fields after validation passes.
func applyDefaults(plan *schemas.ActionPlan) {
	if plan.Kind == schemas.ActionWait && plan.WaitMS == 0 {
		plan.WaitMS = defaultWaitMS
	}
}
