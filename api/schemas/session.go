package schemas

import "time"

// -- Outcomes --

// ErrorKind classifies why an iteration stage failed. The distinction
// between ErrKindStaleTarget and ErrKindInvalidTarget is load-bearing: a
// stale target means the element was real when perceived but the page
// moved on (the right response is to re-observe), while an invalid target
// means the plan referenced an id the snapshot never contained (the right
// response is to re-plan).
type ErrorKind string

const (
	// ErrKindNone marks a successful outcome.
	ErrKindNone ErrorKind = ""
	// ErrKindStaleTarget: the element was present in the snapshot but no
	// longer resolves to an interactable region on the live page.
	ErrKindStaleTarget ErrorKind = "stale_target"
	// ErrKindInvalidTarget: the plan referenced an element id that is not
	// present in the snapshot it was produced from.
	ErrKindInvalidTarget ErrorKind = "invalid_target"
	// ErrKindNavigation: the driver reported a page-load failure.
	ErrKindNavigation ErrorKind = "navigation"
	// ErrKindTimeout: a driver operation exceeded its stage timeout.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindDriver: any other driver-reported failure.
	ErrKindDriver ErrorKind = "driver"
	// ErrKindUnsupported: the executor was handed a kind it cannot dispatch.
	ErrKindUnsupported ErrorKind = "unsupported"
	// ErrKindPerception: the observe/perceive stage failed for the step.
	ErrKindPerception ErrorKind = "perception"
	// ErrKindReasoning: the reasoner exhausted its corrective retries.
	ErrKindReasoning ErrorKind = "reasoning"
)

// ExecutionOutcome reports what happened when a plan (or an earlier stage
// of its iteration) ran. Stage failures travel in outcomes, not Go errors:
// the loop absorbs them into history and feeds them back to the reasoner.
type ExecutionOutcome struct {
	Succeeded bool      `json:"succeeded"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Hint is a short human/model-readable note about the post-action
	// state ("page navigated", "viewport scrolled 600px") or the failure.
	Hint string `json:"hint,omitempty"`
}

// SuccessOutcome builds a succeeded outcome with an optional hint.
func SuccessOutcome(hint string) ExecutionOutcome {
	return ExecutionOutcome{Succeeded: true, Hint: hint}
}

// FailureOutcome builds a failed outcome of the given kind.
func FailureOutcome(kind ErrorKind, hint string) ExecutionOutcome {
	return ExecutionOutcome{Succeeded: false, ErrorKind: kind, Hint: hint}
}

// -- History & results --

// HistoryEntry records one completed loop iteration. Entries are append
// only: the loop never mutates, reorders, or drops them, so history length
// always equals the session's step count.
type HistoryEntry struct {
	Step     int              `json:"step"` // 1-based iteration number
	Summary  SnapshotSummary  `json:"summary"`
	Plan     ActionPlan       `json:"plan"`
	Outcome  ExecutionOutcome `json:"outcome"`
	Duration time.Duration    `json:"duration_ns"`
}

// SessionStatus is the lifecycle state of one goal run. A session
// transitions from running to exactly one terminal status, once.
type SessionStatus string

const (
	StatusRunning          SessionStatus = "running"
	StatusSucceeded        SessionStatus = "succeeded"
	StatusFailed           SessionStatus = "failed"
	StatusMaxStepsExceeded SessionStatus = "max_steps_exceeded"
)

// Terminal reports whether the status accepts no further iterations.
func (s SessionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusMaxStepsExceeded
}

// SessionResult is the complete output of one run: terminal status plus
// the full append-only history, with enough metadata to locate the
// per-step artifacts written alongside.
type SessionResult struct {
	ID            string         `json:"id"`
	Goal          string         `json:"goal"`
	StartURL      string         `json:"start_url,omitempty"`
	Status        SessionStatus  `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Result        string         `json:"result,omitempty"` // payload carried by a finish plan
	History       []HistoryEntry `json:"history"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	ArtifactsDir  string         `json:"artifacts_dir,omitempty"`
}

// Steps returns the number of completed iterations.
func (r *SessionResult) Steps() int { return len(r.History) }
