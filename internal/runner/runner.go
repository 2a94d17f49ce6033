// Package runner supervises Claude CLI subprocesses, one per conversation
// session. A Runner owns exactly one process handle and serializes turns for
// its session; the Manager owns the session-to-runner registry, per-user
// admission control, and idle cleanup.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of a runner's lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateTerminated State = "terminated"
)

// EventSink receives supervision events (turn start/complete, restarts,
// terminations) for persistence. It is a reporting target only: the runner
// never reads anything back to make decisions, and sink failures must be
// handled (logged) by the implementation.
type EventSink interface {
	Append(sessionID, kind, detail string)
}

// Status is a point-in-time snapshot of a runner, safe to serialize.
type Status struct {
	SessionID      string    `json:"sessionId"`
	UserID         int64     `json:"userId"`
	State          State     `json:"state"`
	WorkDir        string    `json:"workDir"`
	PID            int       `json:"pid,omitempty"`
	Alive          bool      `json:"alive"`
	LastActivity   time.Time `json:"lastActivity"`
	PendingEvents  int       `json:"pendingEvents"`
	HealthFailures int       `json:"healthFailures"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Runner supervises the Claude CLI process for one session. A stuck or
// crashed process affects only its own session; the next submission after a
// failure goes through a health check and restart before any I/O.
type Runner struct {
	cfg        Config
	log        *slog.Logger
	sink       EventSink
	newProcess func(ProcessConfig) ProcessHandle

	// turnMu serializes turns: held for the full duration of one submit,
	// TryLock'd so a concurrent submit fails fast instead of queueing.
	turnMu sync.Mutex

	mu              sync.Mutex
	sessionID       string
	userID          int64
	workDir         string
	state           State
	proc            ProcessHandle
	createdAt       time.Time
	lastActivity    time.Time
	healthFailures  int
	claudeSessionID string // Claude's own conversation id, used for --resume
	cancelled       bool

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
	scrollback  *eventRing
}

func newRunner(sessionID string, userID int64, workDir string, cfg Config, sink EventSink, log *slog.Logger, factory func(ProcessConfig) ProcessHandle) *Runner {
	now := time.Now()
	return &Runner{
		cfg:          cfg,
		log:          log.With("session", sessionID),
		sink:         sink,
		newProcess:   factory,
		sessionID:    sessionID,
		userID:       userID,
		workDir:      workDir,
		state:        StateStarting,
		createdAt:    now,
		lastActivity: now,
		subscribers:  make(map[chan Event]struct{}),
		scrollback:   newEventRing(defaultRingSize),
	}
}

func (r *Runner) processConfig(resume string) ProcessConfig {
	return ProcessConfig{
		ClaudeBin:       r.cfg.ClaudeBin,
		WorkDir:         r.workDir,
		Env:             r.cfg.Env,
		MaxTurns:        r.cfg.MaxTurns,
		ResumeSessionID: resume,
		GracePeriod:     r.cfg.GracePeriod,
	}
}

// start spawns the initial process. Called once by the manager during
// registration; a failure leaves the runner terminated.
func (r *Runner) start() error {
	proc := r.newProcess(r.processConfig(""))
	if err := proc.Start(); err != nil {
		r.mu.Lock()
		r.state = StateTerminated
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	if r.state == StateTerminated {
		r.mu.Unlock()
		proc.Terminate(false)
		return fmt.Errorf("%w: runner terminated", ErrRestartFailed)
	}
	if r.proc != nil {
		// a concurrent restart already installed a live handle; keep
		// that one and throw ours away
		r.mu.Unlock()
		proc.Terminate(false)
		return nil
	}
	r.proc = proc
	r.state = StateIdle
	r.lastActivity = time.Now()
	r.mu.Unlock()
	r.report("started", "")
	return nil
}

// Submit accepts one user turn and returns its output event stream. Exactly
// one done event is delivered per accepted turn, even on failure paths.
// Returns ErrAlreadyRunning while a previous turn is in flight.
func (r *Runner) Submit(ctx context.Context, text string) (<-chan Event, error) {
	if !r.turnMu.TryLock() {
		return nil, ErrAlreadyRunning
	}

	if r.State() == StateTerminated {
		r.turnMu.Unlock()
		return nil, fmt.Errorf("%w: runner terminated", ErrRestartFailed)
	}

	if !r.EnsureHealthy() {
		r.turnMu.Unlock()
		return nil, fmt.Errorf("%w: runner could not be made healthy", ErrRestartFailed)
	}

	r.mu.Lock()
	proc := r.proc
	r.state = StateRunning
	r.cancelled = false
	r.lastActivity = time.Now()
	r.mu.Unlock()

	drainStale(proc.Events())
	r.report("turn_start", truncate(text, 200))

	out := make(chan Event, 64)

	if err := proc.Write(encodeTurn(text)); err != nil {
		// pipe closed under us: resolve in-band so the caller still
		// receives a completion instead of an empty stream
		r.log.Warn("turn write failed", "err", err)
		go func() {
			// unlock before the channel closes so a caller that sees the
			// close can submit again immediately
			defer close(out)
			defer r.turnMu.Unlock()
			r.emit(ctx, out, Event{Kind: EventError, Content: err.Error()})
			r.finishTurn(ctx, out, OutcomeError, StateUnhealthy)
		}()
		return out, nil
	}

	go r.consumeTurn(ctx, proc, out)
	return out, nil
}

// consumeTurn forwards process events to the caller until the turn
// completes, times out, or the process dies.
func (r *Runner) consumeTurn(ctx context.Context, proc ProcessHandle, out chan<- Event) {
	// unlock before the channel closes so a caller that sees the close
	// can submit again immediately
	defer close(out)
	defer r.turnMu.Unlock()

	events := proc.Events()

	readTimeout := r.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	read := time.NewTimer(readTimeout)
	defer read.Stop()
	deadline := time.NewTimer(r.cfg.TurnTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if r.wasCancelled() {
					r.finishTurn(ctx, out, OutcomeCancelled, StateUnhealthy)
				} else {
					r.emit(ctx, out, Event{Kind: EventError, Content: "process exited unexpectedly"})
					r.finishTurn(ctx, out, OutcomeError, StateUnhealthy)
				}
				return
			}

			if !read.Stop() {
				select {
				case <-read.C:
				default:
				}
			}
			read.Reset(readTimeout)

			switch ev.Kind {
			case EventResult:
				if ev.SessionID != "" {
					r.setClaudeSessionID(ev.SessionID)
				}
				r.emit(ctx, out, ev)
				r.finishTurn(ctx, out, OutcomeOK, StateIdle)
				return
			case EventError:
				r.emit(ctx, out, ev)
				r.finishTurn(ctx, out, OutcomeError, StateIdle)
				return
			default:
				if ev.SessionID != "" {
					r.setClaudeSessionID(ev.SessionID)
				}
				r.emit(ctx, out, ev)
			}

		case <-read.C:
			// non-terminal: the turn keeps going, the caller just learns
			// the process has been quiet
			r.emit(ctx, out, Event{Kind: EventReadTimeout, Content: "no output within read timeout"})
			read.Reset(readTimeout)

		case <-deadline.C:
			r.emit(ctx, out, Event{Kind: EventError, Content: "turn timed out"})
			r.finishTurn(ctx, out, OutcomeError, StateIdle)
			return

		case <-ctx.Done():
			r.finishTurn(ctx, out, OutcomeCancelled, StateIdle)
			return
		}
	}
}

func (r *Runner) finishTurn(ctx context.Context, out chan<- Event, outcome Outcome, next State) {
	r.emit(ctx, out, Event{Kind: EventDone, Outcome: outcome})
	r.setState(next)
	r.report("turn_complete", string(outcome))
}

// emit delivers an event to the turn's caller, the scrollback, and any live
// subscribers, and bumps the activity timestamp.
func (r *Runner) emit(ctx context.Context, out chan<- Event, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.touch()
	r.scrollback.Append(ev)
	r.broadcast(ev)

	select {
	case out <- ev:
	case <-ctx.Done():
		// caller went away; subscribers already got the event
	}
}

// HealthCheck reports whether the runner looks able to serve a turn.
// Checks in order: process alive, not stuck in a turn past the turn
// timeout, pending event queue under the ceiling. Any failure increments
// the consecutive-failure counter; a full pass resets it.
func (r *Runner) HealthCheck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proc == nil || !r.proc.Alive() {
		r.healthFailures++
		r.log.Warn("health check failed: process not alive", "failures", r.healthFailures)
		return false
	}

	if r.state == StateRunning && time.Since(r.lastActivity) > r.cfg.TurnTimeout {
		r.healthFailures++
		r.log.Warn("health check failed: turn stuck",
			"sinceActivity", time.Since(r.lastActivity).Round(time.Second),
			"failures", r.healthFailures)
		return false
	}

	if r.proc.Pending() >= r.cfg.QueueCeiling {
		r.healthFailures++
		r.log.Warn("health check failed: event queue too long",
			"pending", r.proc.Pending(), "failures", r.healthFailures)
		return false
	}

	r.healthFailures = 0
	return true
}

// EnsureHealthy runs a health check and restarts the process on failure.
// Returns true only if the runner is confirmed healthy after any restart.
// Called before every turn submission.
func (r *Runner) EnsureHealthy() bool {
	if r.HealthCheck() {
		return true
	}
	r.log.Info("runner unhealthy, restarting")
	if err := r.Restart(); err != nil {
		r.log.Error("restart failed", "err", err)
		return false
	}
	return r.HealthCheck()
}

// Restart terminates the current process, discards it, and brings up a
// fresh one in the same working directory, resuming Claude's conversation
// when its id is known. On failure the runner is terminated, never left
// half-alive.
func (r *Runner) Restart() error {
	r.mu.Lock()
	if r.state == StateTerminated {
		r.mu.Unlock()
		return fmt.Errorf("%w: runner terminated", ErrRestartFailed)
	}
	old := r.proc
	resume := r.claudeSessionID
	r.mu.Unlock()

	if old != nil {
		old.Terminate(true)
	}

	proc := r.newProcess(r.processConfig(resume))
	if err := proc.Start(); err != nil {
		r.mu.Lock()
		r.proc = nil
		r.state = StateTerminated
		r.mu.Unlock()
		r.report("restart_failed", err.Error())
		return fmt.Errorf("%w: %v", ErrRestartFailed, err)
	}

	r.mu.Lock()
	if r.state == StateTerminated {
		// removed while we were spawning; do not resurrect
		r.mu.Unlock()
		proc.Terminate(false)
		return fmt.Errorf("%w: runner terminated", ErrRestartFailed)
	}
	// a slow start() may have installed a handle since we captured old;
	// terminate whatever we displace so no handle outlives the runner
	displaced := r.proc
	r.proc = proc
	r.state = StateIdle
	r.healthFailures = 0
	r.cancelled = false
	r.lastActivity = time.Now()
	r.mu.Unlock()
	if displaced != nil && displaced != old {
		displaced.Terminate(false)
	}
	r.report("restart", "")
	r.log.Info("runner restarted")
	return nil
}

// Interrupt cancels the in-flight turn by terminating the process. Partial
// output already emitted stands; the turn resolves with a cancelled
// completion. The runner becomes unhealthy and the next submission
// triggers a restart.
func (r *Runner) Interrupt(graceful bool) {
	r.mu.Lock()
	proc := r.proc
	r.cancelled = true
	r.mu.Unlock()

	if proc != nil {
		proc.Terminate(graceful)
	}
	r.setState(StateUnhealthy)
	r.report("interrupted", "")
}

// shutdown terminates the process and marks the runner terminated. Called
// by the manager on removal; the runner is not reusable afterwards.
func (r *Runner) shutdown(graceful bool) {
	r.mu.Lock()
	proc := r.proc
	r.proc = nil
	r.cancelled = true
	alreadyDead := r.state == StateTerminated
	r.state = StateTerminated
	r.mu.Unlock()

	if proc != nil {
		proc.Terminate(graceful)
	}
	if !alreadyDead {
		r.report("terminated", "")
	}
}

// Subscribe registers a live event watcher and returns the buffered
// scrollback so the watcher can catch up first. Slow watchers drop events
// rather than stalling the turn.
func (r *Runner) Subscribe() (chan Event, []Event) {
	ch := make(chan Event, 256)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch, r.scrollback.Events()
}

func (r *Runner) Unsubscribe(ch chan Event) {
	r.subMu.Lock()
	delete(r.subscribers, ch)
	r.subMu.Unlock()
	close(ch)
}

func (r *Runner) broadcast(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// slow consumer, drop
		}
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionID returns the session this runner serves.
func (r *Runner) SessionID() string { return r.sessionID }

// UserID returns the owning user.
func (r *Runner) UserID() int64 { return r.userID }

// LastActivity returns the time of the most recent event or submission.
func (r *Runner) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// HealthFailures returns the consecutive health-check failure count.
func (r *Runner) HealthFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthFailures
}

// ProcessAlive reports whether the underlying process is live.
func (r *Runner) ProcessAlive() bool {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	return proc != nil && proc.Alive()
}

// Status returns a snapshot for status queries.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		SessionID:      r.sessionID,
		UserID:         r.userID,
		State:          r.state,
		WorkDir:        r.workDir,
		LastActivity:   r.lastActivity,
		HealthFailures: r.healthFailures,
		CreatedAt:      r.createdAt,
	}
	if r.proc != nil {
		st.PID = r.proc.PID()
		st.Alive = r.proc.Alive()
		st.PendingEvents = r.proc.Pending()
	}
	return st
}

// setState records a transition. Terminated is absorbing: once a runner is
// terminated nothing moves it back, a fresh runner replaces it instead.
func (r *Runner) setState(s State) {
	r.mu.Lock()
	if r.state == s || r.state == StateTerminated {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	r.report("state", string(s))
}

func (r *Runner) setClaudeSessionID(id string) {
	r.mu.Lock()
	r.claudeSessionID = id
	r.mu.Unlock()
}

func (r *Runner) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Runner) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Runner) report(kind, detail string) {
	if r.sink == nil {
		return
	}
	r.sink.Append(r.sessionID, kind, detail)
}

// drainStale discards events left over from a previous turn so the new
// turn's stream starts clean.
func drainStale(events <-chan Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
