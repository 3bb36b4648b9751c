// internal/session/loop.go
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// Perceiver turns a screenshot into a Snapshot.
type Perceiver interface {
	Perceive(ctx context.Context, image []byte, pageURL string) (*schemas.Snapshot, error)
}

// Planner decides the next action from page state and history.
type Planner interface {
	Plan(ctx context.Context, goal string, snapshot *schemas.Snapshot, tail []schemas.HistoryEntry) (*schemas.ActionPlan, error)
}

// PlanExecutor runs one plan against the live page.
type PlanExecutor interface {
	Execute(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) schemas.ExecutionOutcome
}

// EventType classifies session events delivered to subscribers.
type EventType string

const (
	// EventStep signals one appended history entry.
	EventStep EventType = "step"
	// EventStatus signals the terminal status, with the full result.
	EventStatus EventType = "status"
)

// Event is one observable session occurrence, streamed to API subscribers.
type Event struct {
	Type   EventType              `json:"type"`
	Entry  *schemas.HistoryEntry  `json:"entry,omitempty"`
	Status schemas.SessionStatus  `json:"status,omitempty"`
	Result *schemas.SessionResult `json:"result,omitempty"`
}

// Session runs one goal through the observe-perceive-reason-act loop. A
// session is strictly sequential; its only concurrency is the subscriber
// fanout. All mutable state is guarded so the API can inspect a running
// session safely.
type Session struct {
	id       string
	goal     string
	startURL string
	force    bool

	loopCfg     config.LoopConfig
	reasonerCfg config.ReasonerConfig

	driver    schemas.BrowserDriver
	perceiver Perceiver
	planner   Planner
	executor  PlanExecutor
	artifacts *ArtifactWriter
	logger    *zap.Logger

	mu          sync.RWMutex
	status      schemas.SessionStatus
	history     []schemas.HistoryEntry
	startedAt   time.Time
	result      *schemas.SessionResult
	subscribers map[int]chan Event
	nextSubID   int
}

// SessionDeps bundles the collaborators a session runs against.
type SessionDeps struct {
	Driver    schemas.BrowserDriver
	Perceiver Perceiver
	Planner   Planner
	Executor  PlanExecutor
	Artifacts *ArtifactWriter
}

// NewSession assembles a session. Run drives it; a session runs once.
func NewSession(id, goal, startURL string, force bool, cfg config.Config, deps SessionDeps, logger *zap.Logger) *Session {
	artifacts := deps.Artifacts
	if artifacts == nil {
		artifacts = NewArtifactWriter(config.ArtifactsConfig{}, id, logger)
	}
	return &Session{
		id:          id,
		goal:        goal,
		startURL:    startURL,
		force:       force,
		loopCfg:     cfg.Loop,
		reasonerCfg: cfg.Reasoner,
		driver:      deps.Driver,
		perceiver:   deps.Perceiver,
		planner:     deps.Planner,
		executor:    deps.Executor,
		artifacts:   artifacts,
		logger:      logger.Named("session").With(zap.String("session_id", id)),
		status:      schemas.StatusRunning,
		subscribers: make(map[int]chan Event),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Goal returns the session's goal text.
func (s *Session) Goal() string { return s.goal }

// Status returns the current lifecycle state.
func (s *Session) Status() schemas.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// History returns a copy of the append-only step log.
func (s *Session) History() []schemas.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schemas.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Result returns the finished result, or nil while running.
func (s *Session) Result() *schemas.SessionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Subscribe registers an event channel. The returned cancel func must be
// called when the subscriber goes away; the channel closes after the
// terminal status event.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 16)
	s.subscribers[id] = ch

	// A session that already finished replays its terminal event so late
	// subscribers do not hang waiting for it.
	if s.result != nil {
		ch <- Event{Type: EventStatus, Status: s.status, Result: s.result}
		close(ch)
		delete(s.subscribers, id)
		return ch, func() {}
	}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if live, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(live)
		}
	}
	return ch, cancel
}

// publish delivers an event to all subscribers without blocking the loop. A
// subscriber that cannot keep up loses events rather than stalling the run.
func (s *Session) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run drives the loop to a terminal status. It always returns within
// MaxSteps iterations regardless of collaborator behavior, and never
// returns a Go error: every failure mode is a terminal status with a
// reason.
func (s *Session) Run(ctx context.Context) *schemas.SessionResult {
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("Session started.",
		zap.String("goal", s.goal),
		zap.String("start_url", s.startURL),
		zap.Int("max_steps", s.loopCfg.MaxSteps))

	status, reason, finishResult := s.runLoop(ctx)
	return s.finish(status, reason, finishResult)
}

// runLoop executes iterations until a terminal condition fires. It returns
// the terminal status, the failure reason (for failed), and the finish
// payload (for succeeded).
func (s *Session) runLoop(ctx context.Context) (schemas.SessionStatus, string, string) {
	if s.startURL != "" {
		if err := s.driver.Dispatch(ctx, schemas.DriverAction{Kind: schemas.DriverNavigate, URL: s.startURL}); err != nil {
			return schemas.StatusFailed, fmt.Sprintf("initial navigation to %s failed: %v", s.startURL, err), ""
		}
	}

	consecutiveFailures := 0

	for step := 1; step <= s.loopCfg.MaxSteps; step++ {
		// Cancellation is honored at iteration boundaries; in-flight stage
		// calls see it through ctx.
		if ctx.Err() != nil {
			return schemas.StatusFailed, "cancelled", ""
		}
		if !s.driver.IsHealthy(ctx) {
			return schemas.StatusFailed, "browser unhealthy", ""
		}

		entry, terminal := s.runStep(ctx, step)
		s.append(entry)

		if terminal != nil {
			return terminal.status, terminal.reason, terminal.result
		}

		if entry.Outcome.Succeeded {
			consecutiveFailures = 0
			continue
		}
		consecutiveFailures++
		if s.loopCfg.MaxConsecutiveFailures > 0 && consecutiveFailures >= s.loopCfg.MaxConsecutiveFailures {
			return schemas.StatusFailed,
				fmt.Sprintf("%d consecutive step failures (last: %s)", consecutiveFailures, entry.Outcome.Hint), ""
		}
	}

	return schemas.StatusMaxStepsExceeded, "", ""
}

// terminalDecision carries a loop-ending verdict out of one step.
type terminalDecision struct {
	status schemas.SessionStatus
	reason string
	result string
}

// runStep performs one observe-perceive-reason-act iteration. It always
// produces a history entry; a non-nil decision additionally ends the loop.
func (s *Session) runStep(ctx context.Context, step int) (schemas.HistoryEntry, *terminalDecision) {
	started := time.Now()
	entry := schemas.HistoryEntry{Step: step}

	finish := func(e schemas.HistoryEntry) schemas.HistoryEntry {
		e.Duration = time.Since(started)
		return e
	}

	// OBSERVE
	image, err := s.driver.CaptureScreenshot(ctx)
	if err != nil {
		entry.Outcome = schemas.FailureOutcome(schemas.ErrKindPerception, fmt.Sprintf("screenshot failed: %v", err))
		s.writeStepArtifacts(step, nil, nil, entry.Outcome)
		return finish(entry), nil
	}
	pageURL, err := s.driver.CurrentURL(ctx)
	if err != nil {
		s.logger.Debug("Reading page URL failed.", zap.Error(err))
		pageURL = ""
	}

	// PERCEIVE
	snapshot, err := s.perceiver.Perceive(ctx, image, pageURL)
	if err != nil {
		entry.Outcome = schemas.FailureOutcome(schemas.ErrKindPerception, fmt.Sprintf("perception failed: %v", err))
		s.writeStepArtifacts(step, nil, nil, entry.Outcome)
		return finish(entry), nil
	}
	entry.Summary = snapshot.Summary()

	// REASON
	reasonCtx := ctx
	if s.reasonerCfg.Timeout > 0 {
		var cancel context.CancelFunc
		reasonCtx, cancel = context.WithTimeout(ctx, s.reasonerCfg.Timeout)
		defer cancel()
	}
	plan, err := s.planner.Plan(reasonCtx, s.goal, snapshot, s.historyTail())
	if err != nil {
		entry.Outcome = schemas.FailureOutcome(schemas.ErrKindReasoning, fmt.Sprintf("reasoning failed: %v", err))
		s.writeStepArtifacts(step, snapshot, nil, entry.Outcome)
		return finish(entry), nil
	}
	entry.Plan = *plan

	s.logger.Info("Plan decided.",
		zap.Int("step", step),
		zap.String("plan", plan.Describe()),
		zap.Float64("confidence", plan.Confidence))

	// Gates run after reasoning, before touching the browser.
	if decision := s.gate(plan); decision != nil {
		entry.Outcome = schemas.ExecutionOutcome{Succeeded: false, Hint: decision.reason}
		s.writeStepArtifacts(step, snapshot, plan, entry.Outcome)
		return finish(entry), decision
	}

	// ACT
	entry.Outcome = s.executor.Execute(ctx, plan, snapshot)
	s.writeStepArtifacts(step, snapshot, plan, entry.Outcome)

	// DECIDE terminal plans.
	switch plan.Kind {
	case schemas.ActionFinish:
		return finish(entry), &terminalDecision{status: schemas.StatusSucceeded, result: plan.Result}
	case schemas.ActionFail:
		return finish(entry), &terminalDecision{status: schemas.StatusFailed, reason: plan.Reason}
	}
	return finish(entry), nil
}

// gate applies the duplicate-plan guard and the low-confidence gate.
// Terminal plans pass: re-deciding to finish is not a loop.
func (s *Session) gate(plan *schemas.ActionPlan) *terminalDecision {
	if plan.Kind.Terminal() {
		return nil
	}

	if s.loopCfg.StopOnDuplicate && s.loopCfg.DuplicateWindow > 0 {
		fp := plan.Fingerprint()
		for _, prev := range s.recentEntries(s.loopCfg.DuplicateWindow) {
			if prev.Plan.Fingerprint() == fp {
				return &terminalDecision{
					status: schemas.StatusFailed,
					reason: fmt.Sprintf("duplicate plan within %d steps: %s", s.loopCfg.DuplicateWindow, plan.Describe()),
				}
			}
		}
	}

	if s.reasonerCfg.StopOnLowConfidence && !s.force && plan.Confidence < s.reasonerCfg.ConfidenceThreshold {
		return &terminalDecision{
			status: schemas.StatusFailed,
			reason: fmt.Sprintf("plan confidence %.2f below threshold %.2f: %s",
				plan.Confidence, s.reasonerCfg.ConfidenceThreshold, plan.Describe()),
		}
	}
	return nil
}

func (s *Session) append(entry schemas.HistoryEntry) {
	s.mu.Lock()
	s.history = append(s.history, entry)
	s.mu.Unlock()
	s.publish(Event{Type: EventStep, Entry: &entry})
}

// historyTail returns the last N entries for the reasoner prompt.
func (s *Session) historyTail() []schemas.HistoryEntry {
	n := s.reasonerCfg.HistoryTail
	return s.recentEntries(n)
}

func (s *Session) recentEntries(n int) []schemas.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]schemas.HistoryEntry, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

func (s *Session) writeStepArtifacts(step int, snapshot *schemas.Snapshot, plan *schemas.ActionPlan, outcome schemas.ExecutionOutcome) {
	s.artifacts.WriteStep(step, snapshot, plan, outcome)
}

// finish stamps the terminal status, persists the summary artifact, and
// notifies subscribers.
func (s *Session) finish(status schemas.SessionStatus, reason, finishResult string) *schemas.SessionResult {
	s.mu.Lock()
	s.status = status
	result := &schemas.SessionResult{
		ID:            s.id,
		Goal:          s.goal,
		StartURL:      s.startURL,
		Status:        status,
		FailureReason: reason,
		Result:        finishResult,
		History:       make([]schemas.HistoryEntry, len(s.history)),
		StartedAt:     s.startedAt,
		FinishedAt:    time.Now().UTC(),
		ArtifactsDir:  s.artifacts.Dir(),
	}
	copy(result.History, s.history)
	s.result = result

	subscribers := s.subscribers
	s.subscribers = make(map[int]chan Event)
	s.mu.Unlock()

	s.artifacts.WriteResult(result)

	for _, ch := range subscribers {
		select {
		case ch <- Event{Type: EventStatus, Status: status, Result: result}:
		default:
		}
		close(ch)
	}

	s.logger.Info("Session finished.",
		zap.String("status", string(status)),
		zap.String("failure_reason", reason),
		zap.Int("steps", len(result.History)))
	return result
}
