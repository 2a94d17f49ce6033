package runner

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config carries runner supervision settings shared by all sessions.
type Config struct {
	ClaudeBin          string
	Env                []string
	MaxTurns           int
	TurnTimeout        time.Duration
	ReadTimeout        time.Duration
	GracePeriod        time.Duration
	MaxSessionsPerUser int
	IdleThreshold      time.Duration
	SweepInterval      time.Duration
	QueueCeiling       int
	MaxHealthFailures  int
}

func (c Config) withDefaults() Config {
	if c.ClaudeBin == "" {
		c.ClaudeBin = "claude"
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 600 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.QueueCeiling <= 0 {
		c.QueueCeiling = 1000
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = 3
	}
	return c
}

// Option customizes a Manager.
type Option func(*Manager)

// WithProcessFactory overrides how subprocess handles are built. Tests use
// this to substitute fakes for the real CLI.
func WithProcessFactory(f func(ProcessConfig) ProcessHandle) Option {
	return func(m *Manager) { m.newProcess = f }
}

// SweepResult summarizes one cleanup pass.
type SweepResult struct {
	Removed    int      `json:"removed"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}

// Stats is an aggregate view over all runners.
type Stats struct {
	Total   int `json:"total"`
	Alive   int `json:"alive"`
	Running int `json:"running"`
	Users   int `json:"users"`
}

// Manager owns the session-to-runner registry. It enforces the per-user
// session limit, replaces terminated runners, and sweeps idle or broken
// sessions. Registry mutation happens under the lock; process I/O
// (spawning, terminating) always happens outside it.
type Manager struct {
	cfg        Config
	log        *slog.Logger
	sink       EventSink
	newProcess func(ProcessConfig) ProcessHandle

	mu      sync.RWMutex
	runners map[string]*Runner
	byUser  map[int64]map[string]struct{}
}

// NewManager builds a manager with cfg's zero values filled in.
func NewManager(cfg Config, sink EventSink, log *slog.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		runners: make(map[string]*Runner),
		byUser:  make(map[int64]map[string]struct{}),
	}
	m.newProcess = func(pc ProcessConfig) ProcessHandle {
		return NewProcess(pc, log.With("component", "process"))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration after defaulting.
func (m *Manager) Config() Config { return m.cfg }

// GetOrCreate returns the live runner for sessionID, creating one when none
// exists. A terminated runner still in the registry is replaced by a fresh
// one, never resurrected. Returns ErrSessionLimit when the user is at
// their cap and ErrSpawn (wrapped) when the initial process fails.
func (m *Manager) GetOrCreate(sessionID string, userID int64, workDir string) (*Runner, error) {
	m.mu.Lock()

	if r, ok := m.runners[sessionID]; ok {
		if r.State() != StateTerminated {
			m.mu.Unlock()
			return r, nil
		}
		// stale entry: a terminated runner is dead weight, replace it
		m.unregisterLocked(r)
	}

	if len(m.byUser[userID]) >= m.cfg.MaxSessionsPerUser {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: user %d has %d sessions", ErrSessionLimit, userID, m.cfg.MaxSessionsPerUser)
	}

	r := newRunner(sessionID, userID, workDir, m.cfg, m.sink, m.log, m.newProcess)
	m.registerLocked(r)
	m.mu.Unlock()

	// spawn outside the lock; a slow exec must not stall other sessions
	if err := r.start(); err != nil {
		m.mu.Lock()
		m.unregisterLocked(r)
		m.mu.Unlock()
		return nil, err
	}

	m.log.Info("session created", "session", sessionID, "user", userID, "workDir", workDir)
	return r, nil
}

// Get returns the runner for sessionID, or ErrNotFound.
func (m *Manager) Get(sessionID string) (*Runner, error) {
	m.mu.RLock()
	r, ok := m.runners[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Remove terminates a session's runner and drops it from the registry.
// Removing an unknown session is a no-op.
func (m *Manager) Remove(sessionID string, graceful bool) {
	m.mu.Lock()
	r, ok := m.runners[sessionID]
	if ok {
		m.unregisterLocked(r)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	r.shutdown(graceful)
	m.log.Info("session removed", "session", sessionID)
}

// CountForUser returns the number of registered sessions for a user.
func (m *Manager) CountForUser(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// List returns status snapshots, filtered to one user when userID is
// non-zero.
func (m *Manager) List(userID int64) []Status {
	m.mu.RLock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		if userID != 0 && r.UserID() != userID {
			continue
		}
		runners = append(runners, r)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Status())
	}
	return out
}

// RunCleanupSweep removes sessions whose process has died, that have been
// idle past the threshold, or that have exceeded the consecutive
// health-failure limit. Victims are collected under the lock and
// terminated outside it.
func (m *Manager) RunCleanupSweep() SweepResult {
	type victim struct {
		r      *Runner
		reason string
	}

	m.mu.Lock()
	var victims []victim
	for _, r := range m.runners {
		if r.State() == StateStarting {
			// spawn still in flight; the creating GetOrCreate owns it
			continue
		}
		switch {
		case !r.ProcessAlive():
			victims = append(victims, victim{r, "process dead"})
		case time.Since(r.LastActivity()) > m.cfg.IdleThreshold:
			victims = append(victims, victim{r, "idle"})
		case r.HealthFailures() > m.cfg.MaxHealthFailures:
			victims = append(victims, victim{r, "unhealthy"})
		}
	}
	for _, v := range victims {
		m.unregisterLocked(v.r)
	}
	m.mu.Unlock()

	res := SweepResult{Removed: len(victims)}
	for _, v := range victims {
		v.r.shutdown(true)
		res.SessionIDs = append(res.SessionIDs, v.r.SessionID())
		m.log.Info("session swept", "session", v.r.SessionID(), "reason", v.reason,
			"idle", time.Since(v.r.LastActivity()).Round(time.Second))
	}
	if res.Removed > 0 {
		m.log.Info("cleanup sweep finished", "removed", res.Removed)
	}
	return res
}

// StopAll terminates every runner. Used at shutdown.
func (m *Manager) StopAll(graceful bool) {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.runners = make(map[string]*Runner)
	m.byUser = make(map[int64]map[string]struct{})
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.shutdown(graceful)
		}(r)
	}
	wg.Wait()
	m.log.Info("all sessions stopped", "count", len(runners))
}

// Stats returns aggregate counters for the info endpoint.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	users := len(m.byUser)
	m.mu.RUnlock()

	st := Stats{Total: len(runners), Users: users}
	for _, r := range runners {
		if r.ProcessAlive() {
			st.Alive++
		}
		if r.State() == StateRunning {
			st.Running++
		}
	}
	return st
}

func (m *Manager) registerLocked(r *Runner) {
	m.runners[r.sessionID] = r
	set, ok := m.byUser[r.userID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[r.userID] = set
	}
	set[r.sessionID] = struct{}{}
}

func (m *Manager) unregisterLocked(r *Runner) {
	delete(m.runners, r.sessionID)
	if set, ok := m.byUser[r.userID]; ok {
		delete(set, r.sessionID)
		if len(set) == 0 {
			delete(m.byUser, r.userID)
		}
	}
}
