package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sevir/ramal/pkg/models"
)

const (
	outputTailLines  = 50
	maxOutputCapture = 1024 * 1024 // 1MB max output capture
	stopGraceTimeout = 5 * time.Second
)

// Command describes how to invoke the external agent binary. The ordered
// conversation context is delivered on stdin; the mechanism itself is
// owned by configuration, not by the tree core.
type Command struct {
	Path    string
	Args    []string
	WorkDir string
	Env     []string
	Timeout time.Duration
}

// Session wraps exactly one external process invocation for exactly one
// tree node.
type Session struct {
	TreeID string
	NodeID string

	registry *Registry
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	procCtx  context.Context
	done     chan struct{}

	outMu  sync.Mutex
	output strings.Builder

	pid       int
	startedAt time.Time
	stopped   atomic.Bool
	started   atomic.Bool
	waitErr   error
}

// NewSession creates a session bound to one node of one tree.
func NewSession(treeID, nodeID string, registry *Registry) *Session {
	return &Session{
		TreeID:   treeID,
		NodeID:   nodeID,
		registry: registry,
		done:     make(chan struct{}),
	}
}

// Start spawns the agent process and registers its pid before returning.
// The cancelled check is the cancellation-in-effect flag: a session that
// would start mid-cancellation aborts instead of escaping cleanup.
func (s *Session) Start(ctx context.Context, spec Command, prompt string, cancelled func() bool) error {
	if cancelled != nil && cancelled() {
		s.stopped.Store(true)
		close(s.done)
		return models.ErrSessionCancelled
	}

	var (
		procCtx context.Context
		cancel  context.CancelFunc
	)
	if spec.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(procCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)

	// Every failure return must close done: a caller waiting on Done()
	// for a session that never ran would otherwise wait forever.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		close(s.done)
		return &models.SpawnError{Command: spec.Path, Cause: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		close(s.done)
		return &models.SpawnError{Command: spec.Path, Cause: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		close(s.done)
		return &models.SpawnError{Command: spec.Path, Cause: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		close(s.done)
		return &models.SpawnError{Command: spec.Path, Cause: err}
	}

	// Re-check after the spawn: if cancellation took effect while we were
	// starting, the process must not outlive it.
	if cancelled != nil && cancelled() {
		cmd.Process.Kill()
		cancel()
		go cmd.Wait()
		s.stopped.Store(true)
		close(s.done)
		return models.ErrSessionCancelled
	}

	s.cmd = cmd
	s.cancel = cancel
	s.procCtx = procCtx
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.started.Store(true)
	s.registry.Register(s.pid)

	go func() {
		defer stdin.Close()
		io.WriteString(stdin, prompt)
	}()

	log.Printf(
		"session_event=started conversation=%s node=%s pid=%d command=%q",
		s.TreeID, s.NodeID, s.pid, spec.Path,
	)

	captureDone := make(chan struct{})
	go s.captureOutput(stdout, stderr, captureDone)
	go s.waitForCompletion(captureDone)

	return nil
}

func (s *Session) captureOutput(stdout, stderr io.ReadCloser, captureDone chan struct{}) {
	defer close(captureDone)

	var wg sync.WaitGroup
	wg.Add(2)

	capture := func(r io.ReadCloser, prefix string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			s.outMu.Lock()
			if s.output.Len() < maxOutputCapture {
				s.output.WriteString(prefix)
				s.output.WriteString(line)
				s.output.WriteString("\n")
			}
			s.outMu.Unlock()
		}
	}

	go capture(stdout, "")
	go capture(stderr, "[stderr] ")

	wg.Wait()
}

// waitForCompletion reaps the process. Unregistering the pid happens here
// unconditionally, even when Await is abandoned by a cancellation.
func (s *Session) waitForCompletion(captureDone chan struct{}) {
	defer close(s.done)
	defer s.registry.Unregister(s.pid)
	defer s.cancel()

	<-captureDone
	err := s.cmd.Wait()

	// A deadline on the process context is treated like an external stop.
	if s.procCtx.Err() == context.DeadlineExceeded {
		s.stopped.Store(true)
	}
	s.waitErr = err

	log.Printf(
		"session_event=exited conversation=%s node=%s pid=%d duration=%q stopped=%t error=%q",
		s.TreeID, s.NodeID, s.pid,
		time.Since(s.startedAt).String(),
		s.stopped.Load(),
		errString(err),
	)
}

// Await blocks until the process exits and returns its captured stdout,
// or a typed failure. A stopped session yields ErrSessionCancelled so
// callers can surface a distinct stopped indication.
func (s *Session) Await(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
	}

	if s.stopped.Load() {
		return "", models.ErrSessionCancelled
	}
	if s.waitErr != nil {
		exitCode := -1
		if exitErr, ok := s.waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &models.ExecutionError{
			ExitCode: exitCode,
			Output:   tail(s.Output(), outputTailLines),
			Cause:    s.waitErr,
		}
	}
	return strings.TrimRight(s.Output(), "\n"), nil
}

// Stop requests termination: SIGTERM first, hard kill after a grace
// period. Idempotent; calling it on an exited session is a no-op and
// platform errors such as "process already gone" are logged and swallowed.
func (s *Session) Stop() {
	s.stopped.Store(true)
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}

	// Cancelling procCtx would hard-kill immediately; signal first so the
	// agent gets its grace period.
	if s.cmd.Process != nil {
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("session_event=stop_signal_failed node=%s pid=%d error=%q", s.NodeID, s.pid, err.Error())
		}
		select {
		case <-s.done:
			// Process exited gracefully.
		case <-time.After(stopGraceTimeout):
			if err := s.cmd.Process.Kill(); err != nil {
				log.Printf("session_event=stop_kill_failed node=%s pid=%d error=%q", s.NodeID, s.pid, err.Error())
			}
		}
	}
}

// Done is closed when the process has exited and its pid is unregistered,
// or immediately when Start fails.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stopped reports whether termination was requested or a timeout fired.
func (s *Session) Stopped() bool { return s.stopped.Load() }

// PID returns the process id, or 0 before a successful Start.
func (s *Session) PID() int { return s.pid }

// Output returns everything captured from the process so far.
func (s *Session) Output() string {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.output.String()
}

func tail(output string, lines int) string {
	allLines := strings.Split(output, "\n")
	if len(allLines) <= lines {
		return output
	}
	return strings.Join(allLines[len(allLines)-lines:], "\n")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
