package cli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sevir/ramal/pkg/models"
)

func shCommand(script string) Command {
	return Command{Path: "sh", Args: []string{"-c", script}}
}

func TestSessionRunsToCompletion(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-1", r)

	if err := s.Start(context.Background(), shCommand("cat >/dev/null; echo ok"), "the context", nil); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if s.PID() == 0 {
		t.Error("Expected a pid after start")
	}

	result, err := s.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected result %q, got %q", "ok", result)
	}
	if r.Size() != 0 {
		t.Errorf("Expected pid unregistered on exit, registry size %d", r.Size())
	}
}

func TestSessionReceivesContextOnStdin(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-stdin", r)

	if err := s.Start(context.Background(), shCommand("cat"), "User: hello\n", nil); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	result, err := s.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if result != "User: hello" {
		t.Errorf("Expected stdin echoed back, got %q", result)
	}
}

func TestSessionSpawnError(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-2", r)

	err := s.Start(context.Background(), Command{Path: "ramal-no-such-binary"}, "", nil)
	if err == nil {
		t.Fatal("Expected spawn error")
	}
	var spawnErr *models.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("Expected SpawnError, got %T: %v", err, err)
	}
	if r.Size() != 0 {
		t.Errorf("Expected no pid registered on spawn failure, size %d", r.Size())
	}
}

func TestSessionExecutionError(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-3", r)

	if err := s.Start(context.Background(), shCommand("echo diagnostic >&2; exit 3"), "", nil); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	_, err := s.Await(context.Background())
	if err == nil {
		t.Fatal("Expected execution error")
	}
	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected ExecutionError, got %T: %v", err, err)
	}
	if execErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", execErr.ExitCode)
	}
	if !strings.Contains(execErr.Output, "diagnostic") {
		t.Errorf("Expected captured diagnostics, got %q", execErr.Output)
	}
	if r.Size() != 0 {
		t.Errorf("Expected pid unregistered after crash, size %d", r.Size())
	}
}

func TestSessionStop(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-4", r)

	if err := s.Start(context.Background(), shCommand("sleep 30"), "", nil); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	go s.Stop()

	_, err := s.Await(context.Background())
	if !errors.Is(err, models.ErrSessionCancelled) {
		t.Errorf("Expected ErrSessionCancelled, got %v", err)
	}
	if r.Size() != 0 {
		t.Errorf("Expected pid unregistered after stop, size %d", r.Size())
	}

	// Stop on an exited session is a no-op and never panics.
	s.Stop()
	s.Stop()
}

func TestSessionStopBeforeStart(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-5", r)
	// Must be a no-op, never a panic.
	s.Stop()
}

func TestSessionTimeoutTreatedAsStop(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-6", r)

	spec := shCommand("sleep 30")
	spec.Timeout = 100 * time.Millisecond
	if err := s.Start(context.Background(), spec, "", nil); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	_, err := s.Await(context.Background())
	if !errors.Is(err, models.ErrSessionCancelled) {
		t.Errorf("Expected timeout surfaced as cancellation, got %v", err)
	}
}

func TestSessionCancellationInEffectBlocksStart(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession("conv-1", "node-7", r)

	err := s.Start(context.Background(), shCommand("sleep 30"), "", func() bool { return true })
	if !errors.Is(err, models.ErrSessionCancelled) {
		t.Fatalf("Expected ErrSessionCancelled, got %v", err)
	}
	if r.Size() != 0 {
		t.Errorf("Expected no pid registered, size %d", r.Size())
	}
}

func TestSessionDoneClosedWhenStartFails(t *testing.T) {
	// A waiter on Done must never hang on a session that never ran.
	t.Run("spawn failure", func(t *testing.T) {
		s := NewSession("conv-1", "node-8", NewRegistry(nil))
		if err := s.Start(context.Background(), Command{Path: "ramal-no-such-binary"}, "", nil); err == nil {
			t.Fatal("Expected spawn error")
		}
		select {
		case <-s.Done():
		default:
			t.Error("Expected Done closed after failed start")
		}
	})

	t.Run("cancellation in effect", func(t *testing.T) {
		s := NewSession("conv-1", "node-9", NewRegistry(nil))
		if err := s.Start(context.Background(), shCommand("sleep 30"), "", func() bool { return true }); !errors.Is(err, models.ErrSessionCancelled) {
			t.Fatalf("Expected ErrSessionCancelled, got %v", err)
		}
		select {
		case <-s.Done():
		default:
			t.Error("Expected Done closed after aborted start")
		}
		if _, err := s.Await(context.Background()); !errors.Is(err, models.ErrSessionCancelled) {
			t.Errorf("Expected Await to report cancellation, got %v", err)
		}
	})
}
