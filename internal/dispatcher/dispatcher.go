package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentctl/controlplane/internal/queue"
	"github.com/agentctl/controlplane/internal/tmux"
)

// Config tunes the dispatcher's rate limits and activity-sampling
// thresholds.
type Config struct {
	MaxTasksPerSecond   float64
	WorkerSpawnCooldown time.Duration
	IdleThreshold       int           // consecutive idle ticks before pulling a fallback prompt
	TickInterval        time.Duration // cadence of activity sampling
	CaptureLines        int           // N in "last N lines", N>=50
	FallbackPrompts     []string
}

// DefaultConfig returns the stated defaults/floors.
func DefaultConfig() Config {
	return Config{
		MaxTasksPerSecond:   2,
		WorkerSpawnCooldown: 5 * time.Second,
		IdleThreshold:       36, // 36 ticks * 5s tick interval = 180s
		TickInterval:        5 * time.Second,
		CaptureLines:        50,
		FallbackPrompts:     []string{"Continue working on the current task."},
	}
}

var promptMarkers = []string{"$", "%", ">", "❯", "›"}
var busyTokens = []string{"Thinking", "Analyzing", "Processing", "Running", "…", "Task"}

// Dispatcher is the session orchestrator: it owns the session registry,
// leases tasks from the queue, injects prompts over the tmux side channel,
// and drives the shutdown state machine.
type Dispatcher struct {
	Registry *Registry
	Shutdown *ShutdownManager
	limiter  *RateLimiter
	queue    *queue.Queue
	tmux     *tmux.Ops
	cfg      Config

	leasesMu sync.Mutex
	leases   map[int64]func()
}

// New builds a Dispatcher wired to q (the task queue) and the tmux
// singleton.
func New(q *queue.Queue, cfg Config) *Dispatcher {
	return &Dispatcher{
		Registry: NewRegistry(),
		Shutdown: NewShutdownManager(30 * time.Second),
		limiter:  NewRateLimiter(cfg.MaxTasksPerSecond, cfg.WorkerSpawnCooldown),
		queue:    q,
		tmux:     tmux.Get(),
		cfg:      cfg,
		leases:   make(map[int64]func()),
	}
}

// RegisterSession adds name to the registry with the given capabilities.
func (d *Dispatcher) RegisterSession(name string, capabilities []string, nodeID string) {
	d.Registry.Register(name, capabilities, nodeID)
	log.Printf("[DISPATCH] registered session %q capabilities=%v", name, capabilities)
}

// ClaimAndDispatch leases one pending task matching a currently-idle
// session's capabilities and injects it as a prompt. It returns (false,
// nil) when there is nothing to dispatch — never an error for "no work,"
// matching internal/queue.ClaimNext's ErrQueueEmpty contract.
func (d *Dispatcher) ClaimAndDispatch(ctx context.Context) (bool, error) {
	if !d.Shutdown.ShouldRun() {
		return false, nil
	}

	if err := d.limiter.WaitDispatch(ctx); err != nil {
		return false, err
	}

	now := time.Now()
	for _, sess := range d.Registry.Snapshot() {
		if sess.State != SessionIdle || sess.IsOnCooldown(now) || sess.AssignedTaskID != nil {
			continue
		}

		task, err := d.queue.ClaimNext(sess.Name, sess.Capabilities)
		if err == queue.ErrQueueEmpty {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claim failed for session %q: %w", sess.Name, err)
		}

		release := d.Shutdown.TaskContext(task.ID)
		if err := d.inject(sess.Name, task); err != nil {
			release()
			d.handleInjectionFailure(sess.Name, task, err)
			return false, nil
		}
		d.Registry.MarkAssigned(sess.Name, task.ID)
		// release() runs when the session reports completion via
		// RecordCompletion, closing the task_context scope.
		d.leasesMu.Lock()
		d.leases[task.ID] = release
		d.leasesMu.Unlock()
		return true, nil
	}

	return false, nil
}

func (d *Dispatcher) inject(sessionName string, task *queue.Task) error {
	prompt := formatPrompt(task)
	return d.tmux.SendKeys(sessionName, prompt, true)
}

func (d *Dispatcher) handleInjectionFailure(sessionName string, task *queue.Task, cause error) {
	log.Printf("[DISPATCH] injection failed for session %q task %d: %v", sessionName, task.ID, cause)
	d.Registry.MarkFailed(sessionName)
	if err := d.queue.Fail(task.ID, fmt.Sprintf("dispatch injection failed: %v", cause)); err != nil {
		log.Printf("[DISPATCH] failed to release task %d back to queue: %v", task.ID, err)
	}
	if err := d.queue.RecordWorkerFailure(sessionName, task.ID, cause.Error()); err != nil {
		log.Printf("[DISPATCH] failed to record session failure for %q: %v", sessionName, err)
	}
}

// formatPrompt renders a task's payload as an assistant-directed prompt.
func formatPrompt(task *queue.Task) string {
	body, err := json.Marshal(task.Payload)
	if err != nil {
		body = []byte("{}")
	}
	return fmt.Sprintf("[task #%d: %s] %s", task.ID, task.TaskType, string(body))
}

// RecordActivity is the sample ingestor fed by the session-output poller:
// it classifies a capture as idle/busy and, once a session has been idle
// for IdleThreshold consecutive ticks, triggers a fresh dispatch attempt or
// a fallback "continue working" prompt.
func (d *Dispatcher) RecordActivity(ctx context.Context, sessionName, capture string) error {
	isIdle := classifyIdle(capture)
	d.Registry.RecordActivity(sessionName, isIdle, false)

	sess, ok := d.Registry.Get(sessionName)
	if !ok {
		return nil
	}

	if isIdle && sess.IdleTicks >= d.cfg.IdleThreshold {
		dispatched, err := d.ClaimAndDispatch(ctx)
		if err != nil {
			return err
		}
		if !dispatched && len(d.cfg.FallbackPrompts) > 0 {
			idx := int(time.Now().UnixNano()/int64(time.Millisecond)) % len(d.cfg.FallbackPrompts)
			fallback := d.cfg.FallbackPrompts[idx]
			if err := d.tmux.SendKeys(sessionName, fallback, true); err != nil {
				log.Printf("[DISPATCH] fallback prompt failed for %q: %v", sessionName, err)
			}
		}
	}
	return nil
}

// PollSessions samples every live tmux session once: sessions not yet in
// the registry are registered with an open capability set, then each
// capture feeds RecordActivity. A capture failure marks the session failed
// without aborting the rest of the sweep.
func (d *Dispatcher) PollSessions(ctx context.Context) {
	if !d.Shutdown.ShouldRun() {
		return
	}

	sessions, err := d.tmux.ListSessionsContext(ctx)
	if err != nil {
		log.Printf("[DISPATCH] failed to list sessions: %v", err)
		return
	}

	for _, info := range sessions {
		if _, ok := d.Registry.Get(info.Name); !ok {
			d.RegisterSession(info.Name, nil, "")
		}

		capture, err := d.tmux.CapturePaneContext(ctx, info.Name, d.cfg.CaptureLines)
		if err != nil {
			log.Printf("[DISPATCH] capture failed for session %q: %v", info.Name, err)
			d.Registry.MarkFailed(info.Name)
			continue
		}
		if err := d.RecordActivity(ctx, info.Name, capture); err != nil {
			log.Printf("[DISPATCH] activity sample failed for session %q: %v", info.Name, err)
		}
	}
}

// RecordCompletion marks a session's lease finished, releasing the
// task_context scope and resetting the session for reassignment.
func (d *Dispatcher) RecordCompletion(sessionName string, taskID int64) {
	d.Registry.RecordActivity(sessionName, true, true)
	d.leasesMu.Lock()
	release, ok := d.leases[taskID]
	delete(d.leases, taskID)
	d.leasesMu.Unlock()
	if ok {
		release()
	}
}

// classifyIdle applies the idle/busy heuristic: the last non-empty line
// must end in a known prompt marker and the capture must contain none of
// the busy tokens.
func classifyIdle(capture string) bool {
	lines := strings.Split(strings.TrimRight(capture, "\n"), "\n")
	var lastNonEmpty string
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			lastNonEmpty = trimmed
			break
		}
	}
	if lastNonEmpty == "" {
		return false
	}

	hasMarker := false
	for _, m := range promptMarkers {
		if strings.HasSuffix(lastNonEmpty, m) {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return false
	}

	for _, token := range busyTokens {
		if strings.Contains(capture, token) {
			return false
		}
	}
	return true
}

// RequestShutdown starts the graceful-stop sequence.
func (d *Dispatcher) RequestShutdown(reason string) {
	d.Shutdown.RequestShutdown(reason)
}
