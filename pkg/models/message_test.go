package models

import (
	"errors"
	"testing"
	"time"
)

func TestStateTerminality(t *testing.T) {
	tests := []struct {
		state        MessageState
		terminal     bool
		canSupersede bool
	}{
		{StatePending, false, true},
		{StateQueued, false, true},
		{StateRunning, false, true},
		{StateCompleted, true, false},
		{StateFailed, true, false},
		{StateCancelled, true, false},
		{StateSuperseded, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.state.CanSupersede(); got != tt.canSupersede {
				t.Errorf("CanSupersede() = %v, want %v", got, tt.canSupersede)
			}
		})
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAgent} {
		if !ValidRole(r) {
			t.Errorf("Expected %s to be valid", r)
		}
	}
	// System is reserved for the synthetic root; adapters may not send it.
	if ValidRole(RoleSystem) {
		t.Error("Expected system to be rejected for enqueued messages")
	}
	if ValidRole("robot") {
		t.Error("Expected robot to be invalid")
	}
	if ValidRole("") {
		t.Error("Expected empty role to be invalid")
	}
}

func TestMessageNodeClone(t *testing.T) {
	now := time.Now()
	orig := &MessageNode{
		ID:        "node-1",
		ParentID:  "node-root",
		ChildIDs:  []string{"node-2", "node-3"},
		Role:      RoleUser,
		Content:   "hello",
		State:     StateCompleted,
		Result:    "world",
		CreatedAt: now,
	}

	clone := orig.Clone()
	if clone == orig {
		t.Fatal("Expected a distinct copy")
	}
	if clone.ID != orig.ID || clone.Result != orig.Result {
		t.Error("Expected field-for-field copy")
	}

	// Mutating the clone's children must not leak into the original.
	clone.ChildIDs[0] = "node-x"
	if orig.ChildIDs[0] != "node-2" {
		t.Error("Clone shares ChildIDs backing array with original")
	}
}

func TestSpawnError(t *testing.T) {
	cause := errors.New("executable file not found")
	err := &SpawnError{Command: "claude", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}
	if err.Error() == "" {
		t.Error("Expected a message")
	}
}

func TestExecutionError(t *testing.T) {
	cause := errors.New("exit status 3")
	err := &ExecutionError{ExitCode: 3, Output: "[stderr] boom", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}

	var execErr *ExecutionError
	wrapped := errors.Join(errors.New("outer"), err)
	if !errors.As(wrapped, &execErr) {
		t.Fatal("Expected errors.As to find ExecutionError")
	}
	if execErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", execErr.ExitCode)
	}
}
