// Package cli handles spawning and cleaning up external agent processes.
package cli

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Registry is the process-wide table of live agent pids. It tracks
// identity for crash-safe cleanup only; the owning Session keeps the
// logical lifecycle. The registry uses its own mutex and is never called
// while a tree lock is held.
type Registry struct {
	mu        sync.Mutex
	pids      map[int]struct{}
	terminate TerminateFunc

	hookMu        sync.Mutex
	hookInstalled bool
	gracefulGrace atomic.Int64
}

// NewRegistry creates a registry using the given terminate capability.
// A nil terminate falls back to signal-based termination.
func NewRegistry(terminate TerminateFunc) *Registry {
	if terminate == nil {
		terminate = SignalTerminator
	}
	return &Registry{
		pids:      make(map[int]struct{}),
		terminate: terminate,
	}
}

// Register adds a live pid. The sentinel pid 0 is ignored.
func (r *Registry) Register(pid int) {
	if pid == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[pid] = struct{}{}
}

// Unregister removes a pid, tolerating double-unregister and the
// sentinel pid 0.
func (r *Registry) Unregister(pid int) {
	if pid == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, pid)
}

// Size returns the number of registered pids.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pids)
}

// KillAllBestEffort attempts to terminate every registered pid. Per-pid
// failures (process already gone, permission denied, missing platform
// utility) are logged and swallowed; the call itself never fails.
func (r *Registry) KillAllBestEffort() {
	r.mu.Lock()
	snapshot := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		snapshot = append(snapshot, pid)
	}
	r.mu.Unlock()

	for _, pid := range snapshot {
		if err := r.terminate(pid); err != nil {
			log.Printf("registry_event=kill_failed pid=%d error=%q", pid, err.Error())
			continue
		}
		log.Printf("registry_event=killed pid=%d", pid)
	}
}

// EnsureCleanupHookRegistered installs a process-exit hook that kills all
// registered pids when the host process receives SIGINT or SIGTERM.
// Calling it again is a no-op. This is the last line of defense against
// orphaned agent processes on unexpected shutdown.
func (r *Registry) EnsureCleanupHookRegistered() {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	if r.hookInstalled {
		return
	}
	r.hookInstalled = true

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go r.cleanupAfterSignal(sigCh)
}

// OwnGracefulShutdown announces that an orderly shutdown path handles
// the first signal and calls KillAllBestEffort itself once sessions have
// had their termination grace. The cleanup hook then holds back for the
// given window so agents are not hard-killed mid-shutdown; it still
// fires afterwards if the graceful path wedges.
func (r *Registry) OwnGracefulShutdown(grace time.Duration) {
	r.gracefulGrace.Store(int64(grace))
}

func (r *Registry) cleanupAfterSignal(sigCh <-chan os.Signal) {
	<-sigCh
	if d := time.Duration(r.gracefulGrace.Load()); d > 0 {
		time.Sleep(d)
	}
	r.KillAllBestEffort()
}
