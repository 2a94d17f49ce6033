package runner

import "errors"

// Error kinds surfaced to callers. Each maps to a distinct user-facing
// category so the bot/web layer can give actionable feedback.
var (
	// ErrNotFound is returned when no runner is registered for a session.
	ErrNotFound = errors.New("session not found")

	// ErrSessionLimit is returned when a user is at their concurrent
	// session limit. The caller decides whether to retry.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrAlreadyRunning is returned when a turn is submitted while the
	// previous one is still in flight. Turns are strictly serialized
	// per session.
	ErrAlreadyRunning = errors.New("already processing a request")

	// ErrSpawn is returned when the Claude CLI process cannot be started.
	ErrSpawn = errors.New("failed to start process")

	// ErrWrite is returned when writing to the process stdin fails.
	ErrWrite = errors.New("failed to write to process")

	// ErrRestartFailed is returned when a restart could not bring up a
	// fresh process. The runner is terminated and must be recreated.
	ErrRestartFailed = errors.New("restart failed")
)
