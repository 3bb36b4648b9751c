// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

// ErrSessionLimit is returned when MaxSessions sessions are already live.
var ErrSessionLimit = errors.New("session limit reached")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// DepsFactory builds the per-session collaborators. The returned cleanup
// func releases them (browser, capture proxy) and runs exactly once, after
// the session reaches a terminal status.
type DepsFactory func(ctx context.Context, sessionID string) (SessionDeps, func(), error)

// managedSession tracks one session's lifecycle inside the manager.
type managedSession struct {
	session    *Session
	cancel     context.CancelFunc
	done       chan struct{}
	finishedAt time.Time
}

// Manager owns the set of live sessions for the server. It caps concurrency,
// persists finished results, and sweeps expired sessions and their
// artifacts.
type Manager struct {
	cfg     config.Config
	factory DepsFactory
	store   schemas.SessionStore
	logger  *zap.Logger

	sem *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*managedSession

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a session manager. store may be nil when persistence is
// not configured.
func NewManager(cfg config.Config, factory DepsFactory, store schemas.SessionStore, logger *zap.Logger) *Manager {
	maxSessions := cfg.Server.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		store:    store,
		logger:   logger.Named("manager"),
		sem:      semaphore.NewWeighted(int64(maxSessions)),
		sessions: make(map[string]*managedSession),
		stopCh:   make(chan struct{}),
	}
}

// StartSweeper launches the background TTL sweeper. Call Shutdown to stop it.
func (m *Manager) StartSweeper() {
	interval := m.cfg.Server.SessionTTL / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// Start launches a session asynchronously and returns it immediately.
func (m *Manager) Start(ctx context.Context, goal, startURL string, force bool) (*Session, error) {
	if !m.sem.TryAcquire(1) {
		return nil, ErrSessionLimit
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())

	deps, cleanup, err := m.factory(runCtx, id)
	if err != nil {
		cancel()
		m.sem.Release(1)
		return nil, err
	}

	sess := NewSession(id, goal, startURL, force, m.cfg, deps, m.logger)
	ms := &managedSession{session: sess, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[id] = ms
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ms.done)
		defer m.sem.Release(1)
		defer cancel()

		result := sess.Run(runCtx)
		if cleanup != nil {
			cleanup()
		}
		m.recordFinished(id, result)
	}()

	m.logger.Info("Session launched.", zap.String("session_id", id), zap.String("goal", goal))
	return sess, nil
}

// RunSync launches a session and blocks until it finishes or ctx is done.
// When ctx expires first, the session is cancelled and the partial result
// returned.
func (m *Manager) RunSync(ctx context.Context, goal, startURL string, force bool) (*schemas.SessionResult, error) {
	sess, err := m.Start(ctx, goal, startURL, force)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	ms := m.sessions[sess.ID()]
	m.mu.RUnlock()

	select {
	case <-ms.done:
	case <-ctx.Done():
		ms.cancel()
		<-ms.done
	}
	return sess.Result(), nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms.session, nil
}

// List returns all live sessions, running and recently finished.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session)
	}
	return out
}

// Cancel stops a running session. Cancelling a finished session is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	ms.cancel()
	return nil
}

// recordFinished stamps the finish time for the sweeper and persists the
// result when a store is configured.
func (m *Manager) recordFinished(id string, result *schemas.SessionResult) {
	m.mu.Lock()
	if ms, ok := m.sessions[id]; ok {
		ms.finishedAt = time.Now()
	}
	m.mu.Unlock()

	if m.store == nil || result == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveResult(saveCtx, result); err != nil {
		m.logger.Warn("Persisting session result failed.", zap.String("session_id", id), zap.Error(err))
	}
}

// sweep drops terminal sessions older than the TTL and removes their
// artifacts. Failed-session artifacts survive when KeepOnFailure is set.
func (m *Manager) sweep(now time.Time) {
	ttl := m.cfg.Server.SessionTTL
	if ttl <= 0 {
		return
	}

	var expired []*managedSession
	m.mu.Lock()
	for id, ms := range m.sessions {
		if ms.finishedAt.IsZero() || now.Sub(ms.finishedAt) < ttl {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, ms)
	}
	m.mu.Unlock()

	for _, ms := range expired {
		sess := ms.session
		keep := m.cfg.Artifacts.KeepOnFailure && sess.Status() != schemas.StatusSucceeded
		if !keep {
			sess.artifacts.Remove()
		}
		m.logger.Info("Session expired.",
			zap.String("session_id", sess.ID()),
			zap.Bool("artifacts_kept", keep))
	}
}

// Shutdown cancels all running sessions and waits for them to drain, bounded
// by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, ms := range m.sessions {
		ms.cancel()
	}
	m.mu.RUnlock()

	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
