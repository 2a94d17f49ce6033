package runner

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultEventBuffer = 1024

// ProcessConfig holds everything needed to spawn one Claude CLI process.
type ProcessConfig struct {
	ClaudeBin       string
	WorkDir         string
	Env             []string // extra KEY=VALUE entries appended to the inherited environment
	MaxTurns        int
	ResumeSessionID string // resume a previous Claude conversation when set
	GracePeriod     time.Duration
	EventBuffer     int
}

// ProcessHandle is the contract between a Runner and its subprocess.
// The interface exists so runner and manager tests can inject fakes.
type ProcessHandle interface {
	// Start spawns the subprocess and begins reading its output.
	Start() error
	// Alive reports liveness without blocking.
	Alive() bool
	// Write sends a serialized turn to the process stdin.
	Write(p []byte) error
	// Events returns the output event stream. The channel closes when the
	// process closes stdout or is killed.
	Events() <-chan Event
	// Pending returns the number of buffered, unconsumed events.
	Pending() int
	// Terminate requests shutdown, escalating to a kill after the grace
	// period when graceful. Idempotent.
	Terminate(graceful bool)
	// PID returns the OS process id, or 0 before Start.
	PID() int
}

// Process wraps one Claude CLI subprocess: stdin for turn submission,
// stdout parsed into events, stderr drained for exit diagnostics.
// A terminated Process is never restarted; restarts build a fresh one.
type Process struct {
	cfg ProcessConfig
	log *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	stderr  string

	events chan Event
	done   chan struct{}
}

// NewProcess creates an unstarted process handle.
func NewProcess(cfg ProcessConfig, log *slog.Logger) *Process {
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}
	return &Process{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, buf),
		done:   make(chan struct{}),
	}
}

// buildArgs constructs the CLI arguments for interactive stream-json mode.
func buildArgs(cfg ProcessConfig) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"-p", "",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	return args
}

// Start spawns the subprocess. Fails when the binary is missing or the
// working directory does not exist.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	binPath, err := exec.LookPath(p.cfg.ClaudeBin)
	if err != nil {
		return fmt.Errorf("%w: %s not found", ErrSpawn, p.cfg.ClaudeBin)
	}
	if info, err := os.Stat(p.cfg.WorkDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: working directory does not exist: %s", ErrSpawn, p.cfg.WorkDir)
	}

	cmd := exec.Command(binPath, buildArgs(p.cfg)...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), "CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC=1")
	cmd.Env = append(cmd.Env, p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.log.Info("process started", "pid", cmd.Process.Pid, "workDir", p.cfg.WorkDir)

	go p.readLoop(stdout)
	go p.drainStderr(stderr)
	go p.waitLoop()

	return nil
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PID returns the subprocess pid, or 0 when not started.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write sends bytes to the process stdin.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("%w: process not running", ErrWrite)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Events returns the output event stream.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Pending returns the number of buffered, unconsumed events.
func (p *Process) Pending() int {
	return len(p.events)
}

// Terminate asks the process to exit. When graceful, SIGTERM is sent first
// and the kill escalates after the grace period; otherwise the process is
// killed immediately. Safe to call multiple times and on dead processes.
func (p *Process) Terminate(graceful bool) {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	select {
	case <-p.done:
		return // already exited
	default:
	}

	// closing stdin signals EOF so a well-behaved CLI exits on its own
	if stdin != nil {
		stdin.Close()
	}

	if !graceful {
		_ = cmd.Process.Kill()
		<-p.done
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := p.cfg.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		p.log.Warn("process did not exit in time, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-p.done
	}
}

// readLoop parses stdout lines into events until EOF. It closes the event
// channel on exit; nothing else may close it.
func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.events)

	reader := bufio.NewReaderSize(stdout, 256*1024)
	for {
		line, err := reader.ReadString('\n')
		for _, ev := range parseStreamLine(line, p.log) {
			ev.Timestamp = time.Now()
			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug("stdout read error", "err", err)
			}
			return
		}
	}
}

// drainStderr captures stderr so exit diagnostics are available. The
// process may otherwise block on a full stderr pipe.
func (p *Process) drainStderr(stderr io.Reader) {
	data, err := io.ReadAll(stderr)
	if err != nil || len(data) == 0 {
		return
	}
	content := strings.TrimSpace(string(data))
	p.mu.Lock()
	p.stderr = content
	p.mu.Unlock()
}

// waitLoop reaps the process and flips the liveness flag. It is the sole
// caller of cmd.Wait.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	stderr := p.stderr
	p.mu.Unlock()

	close(p.done)

	if err != nil {
		p.log.Info("process exited", "err", err, "stderr", truncate(stderr, 500))
	} else {
		p.log.Debug("process exited cleanly")
	}
}

// compile-time interface check
var _ ProcessHandle = (*Process)(nil)
