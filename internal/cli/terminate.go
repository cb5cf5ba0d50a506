package cli

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
)

// TerminateFunc is the single process-termination capability used by the
// registry. Business logic never branches on platform; the concrete
// implementation is chosen once at startup.
type TerminateFunc func(pid int) error

// Kill modes selectable from configuration.
const (
	KillModeSignal   = "signal"
	KillModeTaskkill = "taskkill"
)

// SignalTerminator kills a process with SIGKILL. Used on POSIX systems.
func SignalTerminator(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// TaskkillTerminator kills a process tree with the platform task
// termination utility. Used where signals are unavailable.
func TaskkillTerminator(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// TerminatorForMode resolves a configured kill mode to its implementation.
// An empty mode picks the platform default.
func TerminatorForMode(mode string) (TerminateFunc, error) {
	switch mode {
	case KillModeSignal:
		return SignalTerminator, nil
	case KillModeTaskkill:
		return TaskkillTerminator, nil
	case "":
		if runtime.GOOS == "windows" {
			return TaskkillTerminator, nil
		}
		return SignalTerminator, nil
	default:
		return nil, fmt.Errorf("invalid kill mode: %s (valid: signal, taskkill)", mode)
	}
}
