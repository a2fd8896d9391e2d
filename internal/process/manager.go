package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
)

const (
	// stdoutChunkSize is the read size for the capture stream.
	stdoutChunkSize = 64 * 1024

	// maxStderrLine bounds a single diagnostic line.
	maxStderrLine = 64 * 1024

	defaultGracefulTimeout = 5 * time.Second
)

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	WorkDir string

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// OnStdout receives stdout in arrival order from a single goroutine.
	// The slice is reused after the call returns; copy what you keep.
	// If nil, stdout is drained and discarded.
	OnStdout func(chunk []byte)

	// OnStderr receives stderr one line at a time, without the newline.
	// If nil, stderr lines are logged at debug level.
	OnStderr func(line string)

	// OnExit is called once after the process has exited and both output
	// streams are drained. err is nil when the exit was requested via Stop
	// or when the process exited with status 0.
	OnExit func(err error)
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs one subprocess to completion. It never restarts it: once
// the process exits the manager is finished and Start may be called again
// only by the owner.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	lastError     error
	startTime     time.Time
	exitTime      time.Time
	stopRequested bool
	bytesOut      int64
	linesErr      int64

	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// Start launches the subprocess and begins reading its output.
//
// Cancelling ctx stops the process the same way Stop does: SIGTERM to its
// process group, then SIGKILL after GracefulTimeout.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.lastError = nil
	m.bytesOut = 0
	m.linesErr = 0
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	return nil
}

// startProcess starts the subprocess and its reader goroutines.
func (m *Manager) startProcess(ctx context.Context) error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // Binary path comes from operator config

	// A new process group lets us signal the tool and anything it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		m.markStopRequested()
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = m.config.GracefulTimeout

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	done := m.done
	m.mu.Unlock()

	m.logger.Info("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		m.readStderr(stderr)
	}()

	go m.monitor(cmd, &readers, done)

	return nil
}

// readStdout forwards the capture stream chunk by chunk.
func (m *Manager) readStdout(r io.Reader) {
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.mu.Lock()
			m.bytesOut += int64(n)
			m.mu.Unlock()
			if m.config.OnStdout != nil {
				m.config.OnStdout(buf[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.logger.Debug("stdout stream closed", "name", m.config.Name, "error", err)
			}
			return
		}
	}
}

// readStderr forwards diagnostics line by line.
func (m *Manager) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		line := scanner.Text()
		m.mu.Lock()
		m.linesErr++
		m.mu.Unlock()
		if m.config.OnStderr != nil {
			m.config.OnStderr(line)
		} else {
			m.logger.Debug("process stderr", "name", m.config.Name, "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("stderr stream closed", "name", m.config.Name, "error", err)
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r) //nolint:errcheck // Drain only
	}
}

// monitor waits for the readers and the process, then reports the exit.
// exec requires all pipe reads to finish before Wait is called.
func (m *Manager) monitor(cmd *exec.Cmd, readers *sync.WaitGroup, done chan struct{}) {
	readers.Wait()
	err := cmd.Wait()

	m.mu.Lock()
	stopRequested := m.stopRequested
	m.exitTime = time.Now()
	switch {
	case stopRequested:
		m.status = StatusStopped
		err = nil
	case err != nil:
		m.status = StatusFailed
		m.lastError = err
	default:
		m.status = StatusExited
	}
	m.mu.Unlock()

	if stopRequested {
		m.logger.Info("process stopped as requested", "name", m.config.Name)
	} else if err != nil {
		m.logger.Warn("process exited unexpectedly", "name", m.config.Name, "error", err)
	} else {
		m.logger.Info("process exited", "name", m.config.Name)
	}

	if m.config.OnExit != nil {
		m.config.OnExit(err)
	}
	close(done)
}

func (m *Manager) markStopRequested() {
	m.mu.Lock()
	m.stopRequested = true
	m.mu.Unlock()
}

// signalGroup sends sig to the process group led by cmd.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// Stop terminates the subprocess: SIGTERM to the process group, then
// SIGKILL if it has not exited after GracefulTimeout. It returns once the
// process has exited and OnExit has run. Stopping a process that is not
// running is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := signalGroup(cmd, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}

	<-done
	m.logger.Info("process killed", "name", m.config.Name)

	return nil
}

// Done is closed after the process has exited and OnExit has returned.
// It is nil before the first Start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the error of an unexpected exit, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// PID returns the process ID, or 0 if never started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats is a snapshot of the managed process.
type Stats struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	PID         int           `json:"pid,omitempty"`
	Uptime      time.Duration `json:"uptime,omitempty"`
	StdoutBytes int64         `json:"stdout_bytes"`
	StderrLines int64         `json:"stderr_lines"`
	LastError   string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process. Uptime is measured to
// now while running and to the exit time afterwards.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:        m.config.Name,
		Status:      m.status,
		StdoutBytes: m.bytesOut,
		StderrLines: m.linesErr,
	}

	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}

	switch {
	case m.status == StatusRunning:
		stats.Uptime = time.Since(m.startTime)
	case !m.exitTime.IsZero():
		stats.Uptime = m.exitTime.Sub(m.startTime)
	}

	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}

	return stats
}
