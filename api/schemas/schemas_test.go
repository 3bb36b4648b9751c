package schemas_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorlabs/visor-cli/api/schemas"
)

// -- Box Geometry --

func TestBox_Dimensions(t *testing.T) {
	b := schemas.Box{X0: 10, Y0: 20, X1: 110, Y1: 60}

	assert.Equal(t, 100, b.Width())
	assert.Equal(t, 40, b.Height())
	assert.Equal(t, 4000, b.Area())

	cx, cy := b.Center()
	assert.Equal(t, 60.0, cx)
	assert.Equal(t, 40.0, cy)
}

func TestBox_Area_Degenerate(t *testing.T) {
	// Inverted and zero-size boxes must report zero area, not negative.
	assert.Equal(t, 0, schemas.Box{X0: 50, Y0: 50, X1: 40, Y1: 60}.Area())
	assert.Equal(t, 0, schemas.Box{X0: 5, Y0: 5, X1: 5, Y1: 5}.Area())
}

func TestBox_IoU(t *testing.T) {
	a := schemas.Box{X0: 0, Y0: 0, X1: 100, Y1: 100}

	tests := []struct {
		name string
		b    schemas.Box
		want float64
	}{
		{"identical", schemas.Box{X0: 0, Y0: 0, X1: 100, Y1: 100}, 1.0},
		{"disjoint", schemas.Box{X0: 200, Y0: 200, X1: 300, Y1: 300}, 0.0},
		{"touching edges only", schemas.Box{X0: 100, Y0: 0, X1: 200, Y1: 100}, 0.0},
		// Overlap 50x100 = 5000; union 10000+10000-5000 = 15000.
		{"half offset", schemas.Box{X0: 50, Y0: 0, X1: 150, Y1: 100}, 5000.0 / 15000.0},
		// Contained 50x50 = 2500; union = 10000.
		{"contained", schemas.Box{X0: 25, Y0: 25, X1: 75, Y1: 75}, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, a.IoU(tt.b), 1e-9)
			// IoU is symmetric.
			assert.InDelta(t, tt.want, tt.b.IoU(a), 1e-9)
		})
	}
}

// -- Snapshot --

func TestSnapshot_Element_Bounds(t *testing.T) {
	snap := &schemas.Snapshot{
		Elements: []schemas.UIElement{
			{ID: 0, Label: "button"},
			{ID: 1, Label: "input"},
		},
		CapturedAt: time.Now(),
	}

	el, ok := snap.Element(1)
	require.True(t, ok)
	assert.Equal(t, "input", el.Label)

	_, ok = snap.Element(2)
	assert.False(t, ok, "out-of-range id must not resolve")
	_, ok = snap.Element(-1)
	assert.False(t, ok, "negative id must not resolve")
}

func TestSnapshot_Summary(t *testing.T) {
	now := time.Now()
	snap := &schemas.Snapshot{
		Image:      []byte{0x89, 0x50},
		Elements:   make([]schemas.UIElement, 3),
		CapturedAt: now,
		PageURL:    "https://example.com/login",
	}

	sum := snap.Summary()
	assert.Equal(t, 3, sum.ElementCount)
	assert.Equal(t, now, sum.CapturedAt)
	assert.Equal(t, "https://example.com/login", sum.PageURL)
}

// -- ActionPlan Wire Contract --

// The wire contract must keep "no target" distinguishable from "target 0":
// element ids start at zero, so a plain int field would conflate the two.
func TestActionPlan_TargetZeroVersusAbsent(t *testing.T) {
	var withZero schemas.ActionPlan
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"click","target_id":0}`), &withZero))
	id, ok := withZero.Target()
	require.True(t, ok)
	assert.Equal(t, 0, id)

	var absent schemas.ActionPlan
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"scroll","scroll_dy":-300}`), &absent))
	_, ok = absent.Target()
	assert.False(t, ok)
}

func TestActionKind_Valid(t *testing.T) {
	for _, k := range schemas.KnownActionKinds {
		assert.True(t, k.Valid(), "kind %q should validate", k)
	}
	assert.False(t, schemas.ActionKind("hover").Valid())
	assert.False(t, schemas.ActionKind("").Valid())
	assert.False(t, schemas.ActionKind("CLICK").Valid(), "kinds are case-sensitive on the wire")
}

func TestActionKind_Terminal(t *testing.T) {
	assert.True(t, schemas.ActionFinish.Terminal())
	assert.True(t, schemas.ActionFail.Terminal())
	assert.False(t, schemas.ActionClick.Terminal())
	assert.False(t, schemas.ActionWait.Terminal())
}

// -- Plan Fingerprints --

func TestActionPlan_Fingerprint_IgnoresVolatileFields(t *testing.T) {
	target := 3
	a := schemas.ActionPlan{Kind: schemas.ActionClick, TargetID: &target, Reason: "first try", Confidence: 0.9}
	b := schemas.ActionPlan{Kind: schemas.ActionClick, TargetID: &target, Reason: "second try", Confidence: 0.4}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(),
		"reason and confidence must not affect the duplicate-detection fingerprint")
}

func TestActionPlan_Fingerprint_SeparatesBehavior(t *testing.T) {
	t3, t4 := 3, 4
	plans := []schemas.ActionPlan{
		{Kind: schemas.ActionClick, TargetID: &t3},
		{Kind: schemas.ActionClick, TargetID: &t4},
		{Kind: schemas.ActionType, TargetID: &t3, Text: "cats"},
		{Kind: schemas.ActionType, TargetID: &t3, Text: "dogs"},
		{Kind: schemas.ActionNavigate, URL: "https://example.com"},
		{Kind: schemas.ActionScroll, ScrollDY: 400},
		{Kind: schemas.ActionScroll, ScrollDY: -400},
		{Kind: schemas.ActionWait, WaitMS: 500},
	}

	seen := make(map[string]int)
	for i, p := range plans {
		fp := p.Fingerprint()
		if prev, dup := seen[fp]; dup {
			t.Fatalf("plans %d and %d share fingerprint %q", prev, i, fp)
		}
		seen[fp] = i
	}
}

// -- Statuses & Outcomes --

func TestSessionStatus_Terminal(t *testing.T) {
	assert.False(t, schemas.StatusRunning.Terminal())
	assert.True(t, schemas.StatusSucceeded.Terminal())
	assert.True(t, schemas.StatusFailed.Terminal())
	assert.True(t, schemas.StatusMaxStepsExceeded.Terminal())
}

func TestOutcomeConstructors(t *testing.T) {
	ok := schemas.SuccessOutcome("page navigated")
	assert.True(t, ok.Succeeded)
	assert.Equal(t, schemas.ErrKindNone, ok.ErrorKind)
	assert.Equal(t, "page navigated", ok.Hint)

	bad := schemas.FailureOutcome(schemas.ErrKindStaleTarget, "probe missed")
	assert.False(t, bad.Succeeded)
	assert.Equal(t, schemas.ErrKindStaleTarget, bad.ErrorKind)
}

func TestActionPlan_Describe(t *testing.T) {
	target := 2
	tests := []struct {
		plan schemas.ActionPlan
		want string
	}{
		{schemas.ActionPlan{Kind: schemas.ActionClick, TargetID: &target}, "click #2"},
		{schemas.ActionPlan{Kind: schemas.ActionType, TargetID: &target, Text: "cats"}, `type "cats" into #2`},
		{schemas.ActionPlan{Kind: schemas.ActionNavigate, URL: "https://example.com"}, "navigate https://example.com"},
		{schemas.ActionPlan{Kind: schemas.ActionScroll, ScrollDY: 400}, "scroll +400px"},
		{schemas.ActionPlan{Kind: schemas.ActionWait, WaitMS: 750}, "wait 750ms"},
		{schemas.ActionPlan{Kind: schemas.ActionFinish}, "finish"},
		{schemas.ActionPlan{Kind: schemas.ActionFail, Reason: "no path"}, "fail: no path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.plan.Describe())
	}
}
