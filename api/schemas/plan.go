package schemas

import (
	"fmt"
	"strings"
)

// ActionKind is the closed set of actions the reasoner may plan. Anything
// outside this set is rejected at the parse boundary, never dispatched.
type ActionKind string

const (
	// ActionClick performs a pointer activation on a detected element.
	ActionClick ActionKind = "click"
	// ActionType focuses a detected element and submits text input.
	ActionType ActionKind = "type"
	// ActionNavigate loads a new URL in the session's page.
	ActionNavigate ActionKind = "navigate"
	// ActionScroll moves the viewport by a relative amount, or toward a
	// target element when one is referenced.
	ActionScroll ActionKind = "scroll"
	// ActionWait pauses for a bounded duration to let the page settle.
	ActionWait ActionKind = "wait"
	// ActionFinish declares the goal achieved. Terminal; no driver work.
	ActionFinish ActionKind = "finish"
	// ActionFail declares the goal unachievable. Terminal; no driver work.
	ActionFail ActionKind = "fail"
)

// KnownActionKinds lists every kind the schema accepts, in documentation
// order. Used by validation errors and the reasoner prompt.
var KnownActionKinds = []ActionKind{
	ActionClick, ActionType, ActionNavigate, ActionScroll, ActionWait, ActionFinish, ActionFail,
}

// Valid reports whether k is one of the defined kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionClick, ActionType, ActionNavigate, ActionScroll, ActionWait, ActionFinish, ActionFail:
		return true
	}
	return false
}

// Terminal reports whether the kind ends the session without driver work.
func (k ActionKind) Terminal() bool {
	return k == ActionFinish || k == ActionFail
}

// ActionPlan is the one bit-exact contract between the reasoning service
// and the loop: the raw model output must parse into exactly this shape or
// be rejected. Kind-specific fields are pointers or zero-values so an
// absent field is distinguishable from a deliberate zero (TargetID in
// particular, since element ids start at 0).
type ActionPlan struct {
	Kind     ActionKind `json:"kind"`
	TargetID *int       `json:"target_id,omitempty"` // click/type/scroll-to: element id within the current snapshot
	Text     string     `json:"text,omitempty"`      // type: the input to submit
	URL      string     `json:"url,omitempty"`       // navigate: absolute http(s) URL
	ScrollDY int        `json:"scroll_dy,omitempty"` // scroll: viewport delta in pixels, positive is down
	WaitMS   int        `json:"wait_ms,omitempty"`   // wait: pause duration in milliseconds
	Result   string     `json:"result,omitempty"`    // finish: optional result payload for the caller
	Reason   string     `json:"reason,omitempty"`    // fail: why; other kinds: the model's short rationale
	// Confidence is the model's self-reported confidence in this plan,
	// in [0,1]. The loop's low-confidence gate reads it; execution does not.
	Confidence float64 `json:"confidence,omitempty"`
}

// Target returns the referenced element id and whether one was supplied.
func (p *ActionPlan) Target() (int, bool) {
	if p.TargetID == nil {
		return 0, false
	}
	return *p.TargetID, true
}

// Fingerprint collapses the plan to its behaviorally significant fields.
// Two plans with equal fingerprints would drive the browser identically;
// the loop's duplicate guard compares these, ignoring Reason and
// Confidence which vary freely between otherwise identical plans.
func (p *ActionPlan) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	if id, ok := p.Target(); ok {
		fmt.Fprintf(&b, "|t=%d", id)
	}
	if p.Text != "" {
		fmt.Fprintf(&b, "|x=%s", p.Text)
	}
	if p.URL != "" {
		fmt.Fprintf(&b, "|u=%s", p.URL)
	}
	if p.ScrollDY != 0 {
		fmt.Fprintf(&b, "|dy=%d", p.ScrollDY)
	}
	if p.WaitMS != 0 {
		fmt.Fprintf(&b, "|w=%d", p.WaitMS)
	}
	return b.String()
}

// Describe renders the plan compactly for logs and history prompts,
// e.g. `click #3` or `navigate https://example.com`.
func (p *ActionPlan) Describe() string {
	switch p.Kind {
	case ActionClick:
		if id, ok := p.Target(); ok {
			return fmt.Sprintf("click #%d", id)
		}
		return "click"
	case ActionType:
		if id, ok := p.Target(); ok {
			return fmt.Sprintf("type %q into #%d", p.Text, id)
		}
		return fmt.Sprintf("type %q", p.Text)
	case ActionNavigate:
		return "navigate " + p.URL
	case ActionScroll:
		if id, ok := p.Target(); ok {
			return fmt.Sprintf("scroll to #%d", id)
		}
		return fmt.Sprintf("scroll %+dpx", p.ScrollDY)
	case ActionWait:
		return fmt.Sprintf("wait %dms", p.WaitMS)
	case ActionFinish:
		return "finish"
	case ActionFail:
		return "fail: " + p.Reason
	default:
		return string(p.Kind)
	}
}
