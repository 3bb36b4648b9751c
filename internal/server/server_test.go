package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
	"github.com/visorlabs/visor-cli/internal/session"
)

// stubDriver is a healthy no-op browser.
type stubDriver struct{}

func (stubDriver) CaptureScreenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }
func (stubDriver) Dispatch(ctx context.Context, action schemas.DriverAction) error {
	return nil
}
func (stubDriver) ProbePoint(ctx context.Context, x, y float64) (schemas.ProbeResult, error) {
	return schemas.ProbeResult{Hit: true, Interactable: true, TagName: "button"}, nil
}
func (stubDriver) CurrentURL(ctx context.Context) (string, error) { return "https://example.com/", nil }
func (stubDriver) IsHealthy(ctx context.Context) bool             { return true }
func (stubDriver) Close(ctx context.Context) error                { return nil }

type stubPerceiver struct{}

func (stubPerceiver) Perceive(ctx context.Context, image []byte, pageURL string) (*schemas.Snapshot, error) {
	return &schemas.Snapshot{
		Elements: []schemas.UIElement{{
			ID: 0, Label: "button",
			Box:        schemas.Box{X0: 10, Y0: 10, X1: 60, Y1: 40},
			Confidence: 0.9, Text: "Go",
		}},
		CapturedAt: time.Now().UTC(),
		PageURL:    pageURL,
	}, nil
}

// finishingPlanner ends every session on the first step.
type finishingPlanner struct{}

func (finishingPlanner) Plan(ctx context.Context, goal string, snapshot *schemas.Snapshot, tail []schemas.HistoryEntry) (*schemas.ActionPlan, error) {
	return &schemas.ActionPlan{Kind: schemas.ActionFinish, Result: "done: " + goal, Confidence: 0.95}, nil
}

// blockingPlanner parks until cancelled, keeping sessions alive.
type blockingPlanner struct{}

func (blockingPlanner) Plan(ctx context.Context, goal string, snapshot *schemas.Snapshot, tail []schemas.HistoryEntry) (*schemas.ActionPlan, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, plan *schemas.ActionPlan, snapshot *schemas.Snapshot) schemas.ExecutionOutcome {
	return schemas.SuccessOutcome("")
}

func testServerConfig() config.Config {
	cfg := *config.NewDefaultConfig()
	cfg.Artifacts.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, planner session.Planner, store schemas.SessionStore) (*Server, *session.Manager) {
	t.Helper()
	factory := func(ctx context.Context, sessionID string) (session.SessionDeps, func(), error) {
		return session.SessionDeps{
			Driver:    stubDriver{},
			Perceiver: stubPerceiver{},
			Planner:   planner,
			Executor:  stubExecutor{},
		}, nil, nil
	}
	manager := session.NewManager(cfg, factory, store, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Shutdown(ctx))
	})
	return New(cfg.Server, manager, store, zap.NewNop()), manager
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(), finishingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunSync(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(), finishingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("runs a session to completion", func(t *testing.T) {
		resp := postJSON(t, ts, "/api/v1/run", SessionRequest{Goal: "check out"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		result := decodeBody[schemas.SessionResult](t, resp)
		assert.Equal(t, schemas.StatusSucceeded, result.Status)
		assert.Equal(t, "done: check out", result.Result)
		assert.Len(t, result.History, 1)
	})

	t.Run("rejects a missing goal", func(t *testing.T) {
		resp := postJSON(t, ts, "/api/v1/run", SessionRequest{Goal: "  "})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects a relative start_url", func(t *testing.T) {
		resp := postJSON(t, ts, "/api/v1/run", SessionRequest{Goal: "go", StartURL: "example.com"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/run", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(), blockingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/v1/sessions", SessionRequest{Goal: "long task"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeBody[SessionSummary](t, resp)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, schemas.StatusRunning, created.Status)

	listResp, err := http.Get(ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	list := decodeBody[map[string][]SessionSummary](t, listResp)
	require.Len(t, list["sessions"], 1)
	assert.Equal(t, created.ID, list["sessions"][0].ID)

	getResp, err := http.Get(ts.URL + "/api/v1/sessions/" + created.ID)
	require.NoError(t, err)
	got := decodeBody[schemas.SessionResult](t, getResp)
	assert.Equal(t, schemas.StatusRunning, got.Status)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, delResp.StatusCode)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/sessions/" + created.ID)
		if err != nil {
			return false
		}
		result := decodeBody[schemas.SessionResult](t, resp)
		return result.Status == schemas.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(), finishingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/sessions/no-such-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/no-such-id", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, delResp.StatusCode)
}

func TestSessionLimitReturns429(t *testing.T) {
	cfg := testServerConfig()
	cfg.Server.MaxSessions = 1
	srv, _ := newTestServer(t, cfg, blockingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/v1/sessions", SessionRequest{Goal: "first"})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, ts, "/api/v1/sessions", SessionRequest{Goal: "second"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestJWTAuth(t *testing.T) {
	cfg := testServerConfig()
	cfg.Server.Auth.Enabled = true
	cfg.Server.Auth.JWTSecret = "test-secret"
	srv, _ := newTestServer(t, cfg, finishingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(token string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("rejects a missing token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get(""))
	})

	t.Run("rejects a token signed with the wrong secret", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "tester",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("wrong-secret"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, get(token))
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "tester",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, get(token))
	})

	t.Run("accepts a valid token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "tester",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, get(token))
	})

	t.Run("healthz stays open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSessionStream(t *testing.T) {
	srv, manager := newTestServer(t, testServerConfig(), finishingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	sess, err := manager.Start(context.Background(), "stream me", "", false)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/sessions/" + sess.ID()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Consume events until the terminal status arrives or the session-end
	// close frame shows up. A just-finished session may only deliver the
	// replayed status event.
	deadline := time.Now().Add(5 * time.Second)
	sawStatus := false
	for time.Now().Before(deadline) && !sawStatus {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev session.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		if ev.Type == session.EventStatus {
			sawStatus = true
			assert.Equal(t, schemas.StatusSucceeded, ev.Status)
			require.NotNil(t, ev.Result)
			assert.Equal(t, "done: stream me", ev.Result.Result)
		}
	}
	assert.True(t, sawStatus, "expected a terminal status event on the stream")
}

func TestSessionStreamUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(), finishingPlanner{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/sessions/nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
