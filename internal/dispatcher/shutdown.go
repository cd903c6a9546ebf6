package dispatcher

import (
	"log"
	"sync"
	"time"
)

// ShutdownState is one state in the RUNNING→STOPPING→DRAINING→CLEANUP→
// TERMINATED graceful shutdown machine.
type ShutdownState string

const (
	StateRunning    ShutdownState = "RUNNING"
	StateStopping   ShutdownState = "STOPPING"
	StateDraining   ShutdownState = "DRAINING"
	StateCleanup    ShutdownState = "CLEANUP"
	StateTerminated ShutdownState = "TERMINATED"
)

// CleanupHook is a registered teardown action, run LIFO during CLEANUP.
type CleanupHook func() error

// ShutdownManager drives the graceful shutdown state machine and tracks
// the in-progress task set via task_context scopes.
type ShutdownManager struct {
	mu           sync.Mutex
	state        ShutdownState
	drainTimeout time.Duration
	hooks        []CleanupHook
	inProgress   map[int64]struct{}
	errors       []error
}

// NewShutdownManager builds a manager starting in RUNNING with the given
// drain timeout (time allowed for in-flight leases to finish in DRAINING).
func NewShutdownManager(drainTimeout time.Duration) *ShutdownManager {
	return &ShutdownManager{
		state:        StateRunning,
		drainTimeout: drainTimeout,
		inProgress:   make(map[int64]struct{}),
	}
}

// RegisterCleanupHook appends a hook to be run, in LIFO order, during
// CLEANUP.
func (m *ShutdownManager) RegisterCleanupHook(h CleanupHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// ShouldRun reports whether new work may still be claimed.
func (m *ShutdownManager) ShouldRun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

// IsShuttingDown is true in {STOPPING, DRAINING, CLEANUP}.
func (m *ShutdownManager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateStopping || m.state == StateDraining || m.state == StateCleanup
}

// State returns the current state.
func (m *ShutdownManager) State() ShutdownState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TaskContext increments the in-progress set on entry; the returned func
// decrements it unconditionally, giving callers a scoped task_context(id)
// marker for in-flight task tracking.
func (m *ShutdownManager) TaskContext(id int64) func() {
	m.mu.Lock()
	m.inProgress[id] = struct{}{}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.inProgress, id)
		m.mu.Unlock()
	}
}

func (m *ShutdownManager) inProgressCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inProgress)
}

// RequestShutdown starts the graceful-stop sequence for reason (a signal
// name or an operator-supplied string). It blocks until TERMINATED.
func (m *ShutdownManager) RequestShutdown(reason string) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.mu.Unlock()
	log.Printf("[DISPATCH] shutdown requested: %s", reason)

	m.mu.Lock()
	m.state = StateDraining
	m.mu.Unlock()
	log.Printf("[DISPATCH] draining in-progress tasks (timeout=%s)", m.drainTimeout)

	deadline := time.Now().Add(m.drainTimeout)
	for m.inProgressCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := m.inProgressCount(); remaining > 0 {
		log.Printf("[DISPATCH] drain timeout elapsed with %d task(s) still in progress", remaining)
	}

	m.mu.Lock()
	m.state = StateCleanup
	hooks := make([]CleanupHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			m.mu.Lock()
			m.errors = append(m.errors, err)
			m.mu.Unlock()
			log.Printf("[DISPATCH] cleanup hook error: %v", err)
		}
	}

	m.mu.Lock()
	m.state = StateTerminated
	m.mu.Unlock()
	log.Printf("[DISPATCH] shutdown complete")
}

// Errors returns every error captured from cleanup hooks.
func (m *ShutdownManager) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.errors))
	copy(out, m.errors)
	return out
}
