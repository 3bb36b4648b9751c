// internal/reasoner/prompt.go
package reasoner

import (
	"fmt"
	"strings"

	"github.com/visorlabs/visor-cli/api/schemas"
)

// systemPrompt fixes the model's role and the exact output contract. The
// schema is restated in full on every call; models drift badly when asked to
// remember it across turns.
const systemPrompt = `You are the planning module of a visual web automation agent.

You are given a goal, the interactive elements detected on the current page,
and a short history of the steps already taken. Decide the single next action.

Respond with ONE JSON object and nothing else. The schema:

{
  "kind": "click" | "type" | "navigate" | "scroll" | "wait" | "finish" | "fail",
  "target_id": <int>,      // click/type: REQUIRED. scroll: optional. An id from the element list.
  "text": "<string>",      // type: REQUIRED. The text to enter.
  "url": "<string>",       // navigate: REQUIRED. Absolute http(s) URL.
  "scroll_dy": <int>,      // scroll: viewport delta in pixels, positive is down.
  "wait_ms": <int>,        // wait: pause in milliseconds.
  "result": "<string>",    // finish: optional result payload answering the goal.
  "reason": "<string>",    // fail: REQUIRED explanation. Other kinds: short rationale.
  "confidence": <float>    // your confidence in this action, 0.0 to 1.0.
}

Hard rules:
- Use ONLY element ids from the provided list. Never invent an id.
- If the list is empty, never plan "click" or "type". Use "scroll", "wait",
  "navigate", or "fail" instead.
- "finish" only when the goal is actually achieved on the current page.
- "fail" only when the goal cannot be achieved; always give a reason.
- Prefer the smallest action that makes progress toward the goal.`

// buildUserPrompt renders the goal, the current page state, and a condensed
// tail of recent history into the observation message for one planning call.
func buildUserPrompt(goal string, snapshot *schemas.Snapshot, tail []schemas.HistoryEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n\n", goal)

	if snapshot.PageURL != "" {
		fmt.Fprintf(&b, "CURRENT PAGE: %s\n", snapshot.PageURL)
	}

	if len(snapshot.Elements) == 0 {
		b.WriteString("DETECTED ELEMENTS: none\n")
	} else {
		fmt.Fprintf(&b, "DETECTED ELEMENTS (%d):\n", len(snapshot.Elements))
		for _, el := range snapshot.Elements {
			b.WriteString(formatElement(el))
			b.WriteByte('\n')
		}
	}

	if len(tail) > 0 {
		fmt.Fprintf(&b, "\nRECENT STEPS (%d):\n", len(tail))
		for _, entry := range tail {
			b.WriteString(formatHistoryEntry(entry))
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nDecide the next action. Respond with the JSON object only.")
	return b.String()
}

// formatElement renders one element as `[id] label "text" @cx,cy WxH conf`.
func formatElement(el schemas.UIElement) string {
	cx, cy := el.Box.Center()
	line := fmt.Sprintf("[%d] %s", el.ID, el.Label)
	if el.Text != "" {
		line += fmt.Sprintf(" %q", el.Text)
	}
	return line + fmt.Sprintf(" @%.0f,%.0f %dx%d conf=%.2f",
		cx, cy, el.Box.Width(), el.Box.Height(), el.Confidence)
}

// formatHistoryEntry condenses one completed step, keeping the failure kind
// visible so the model can avoid repeating a broken approach.
func formatHistoryEntry(entry schemas.HistoryEntry) string {
	status := "ok"
	if !entry.Outcome.Succeeded {
		status = "FAILED"
		if entry.Outcome.ErrorKind != schemas.ErrKindNone {
			status = "FAILED (" + string(entry.Outcome.ErrorKind) + ")"
		}
	}
	line := fmt.Sprintf("step %d: %s -> %s", entry.Step, entry.Plan.Describe(), status)
	if entry.Outcome.Hint != "" {
		line += " - " + entry.Outcome.Hint
	}
	return line
}

// correctivePrompt appends an explicit description of why the previous
// response was rejected, so the retry has something concrete to fix.
func correctivePrompt(base, raw string, cause error) string {
	return fmt.Sprintf(`%s

Your previous response was rejected: %v

Previous response (truncated):
%s

Respond again with a single valid JSON object following the schema exactly.`,
		base, cause, truncate(raw, 400))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
