package responder

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentctl/controlplane/internal/events"
	"github.com/agentctl/controlplane/internal/locking"
	"github.com/agentctl/controlplane/internal/notifications"
	"github.com/agentctl/controlplane/internal/tmux"
)

// Config tunes the responder's polling/cooldown/cache cadence.
type Config struct {
	CheckInterval        time.Duration // >=200ms, sequential session poll cadence
	SessionCooldown      time.Duration // default 3s
	StaleCooldownAge     time.Duration // cooldowns older than this are swept (default 1h)
	CacheRefreshInterval time.Duration // default 5m
	CaptureLines         int
	ExcludedSessions     map[string]bool
}

// DefaultConfig returns the stated defaults/floors.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        200 * time.Millisecond,
		SessionCooldown:      3 * time.Second,
		StaleCooldownAge:     time.Hour,
		CacheRefreshInterval: 5 * time.Minute,
		CaptureLines:         50,
		ExcludedSessions:     make(map[string]bool),
	}
}

// Responder polls sessions sequentially, detects confirmation prompts,
// classifies risk, sleeps a risk-tuned randomized delay, injects the
// keystroke, and feeds the learning loop. A single exclusive PID-file lock
// ensures at-most-one responder process; within the process, sessions are
// polled sequentially so the loop never overlaps itself.
type Responder struct {
	cache  *Cache
	store  *Store
	tmux   *tmux.Ops
	bus    *events.Bus
	lock   *locking.FileLockManager
	cfg    Config
	alerts *notifications.Manager

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// New builds a Responder backed by store, publishing hit/change events on
// bus (may be nil).
func New(store *Store, bus *events.Bus, lock *locking.FileLockManager, cfg Config) *Responder {
	return &Responder{
		cache:     NewCache(store),
		store:     store,
		tmux:      tmux.Get(),
		bus:       bus,
		lock:      lock,
		cfg:       cfg,
		cooldowns: make(map[string]time.Time),
	}
}

// SetAlertManager wires a notification manager that NotifyTaskNeedsAttention
// is called on whenever a session matches a skip-action pattern, i.e. the
// responder recognizes the prompt but declines to drive it itself. Passing
// nil (the default) disables operator alerting.
func (r *Responder) SetAlertManager(m *notifications.Manager) {
	r.alerts = m
}

// Run acquires the singleton lock, then loops: refresh the pattern cache
// on CacheRefreshInterval, poll every session sequentially on
// CheckInterval, and sweep stale cooldowns periodically, until ctx is
// cancelled.
func (r *Responder) Run(ctx context.Context) error {
	if r.lock != nil {
		if err := r.lock.Acquire(); err != nil {
			return err
		}
		defer r.lock.Release()
	}

	if err := r.cache.Refresh(); err != nil {
		log.Printf("[RESPONDER] initial pattern cache refresh failed: %v", err)
	}

	refreshTicker := time.NewTicker(r.cfg.CacheRefreshInterval)
	defer refreshTicker.Stop()
	checkTicker := time.NewTicker(r.cfg.CheckInterval)
	defer checkTicker.Stop()
	sweepTicker := time.NewTicker(10 * time.Minute)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refreshTicker.C:
			if err := r.cache.Refresh(); err != nil {
				log.Printf("[RESPONDER] pattern cache refresh failed: %v", err)
			}
		case <-sweepTicker.C:
			r.sweepStaleCooldowns()
		case <-checkTicker.C:
			r.pollOnce()
		}
	}
}

// pollOnce sequentially scans every live session once. Per-session errors
// are logged and the session skipped; the responder never exits on a
// single-session failure.
func (r *Responder) pollOnce() {
	sessions, err := r.tmux.ListSessions()
	if err != nil {
		log.Printf("[RESPONDER] failed to list sessions: %v", err)
		return
	}

	for _, sess := range sessions {
		if r.cfg.ExcludedSessions[sess.Name] {
			continue
		}
		if r.onCooldown(sess.Name) {
			continue
		}
		if err := r.pollSession(sess.Name); err != nil {
			log.Printf("[RESPONDER] session %q: %v", sess.Name, err)
		}
	}
}

func (r *Responder) onCooldown(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldowns[name]
	return ok && time.Now().Before(until)
}

func (r *Responder) setCooldown(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[name] = time.Now().Add(r.cfg.SessionCooldown)
}

// sweepStaleCooldowns discards cooldown entries older than StaleCooldownAge,
// which would otherwise be stale leftovers from a crashed responder.
func (r *Responder) sweepStaleCooldowns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.cfg.StaleCooldownAge)
	for name, until := range r.cooldowns {
		if until.Before(cutoff) {
			delete(r.cooldowns, name)
		}
	}
}

// pollSession captures one session, runs the detection pipeline, and, on a
// match, sleeps the risk-tuned delay and injects the keystroke.
func (r *Responder) pollSession(name string) error {
	capture, err := r.tmux.CapturePane(name, r.cfg.CaptureLines)
	if err != nil {
		return err
	}
	if capture == "" {
		return nil
	}

	tool := toolForSession(name)
	det := Detect(capture, r.cache.ForTool(tool))
	if !det.Matched {
		return nil
	}
	if det.Pattern != nil && det.Pattern.Action == string(ActionSkip) {
		if r.alerts != nil {
			if err := r.alerts.NotifyTaskNeedsAttention(fmt.Sprintf("session %s is waiting on a prompt the responder won't answer automatically", name)); err != nil {
				log.Printf("[RESPONDER] failed to send needs-attention alert for %q: %v", name, err)
			}
		}
		return nil
	}

	delay := RandomDelay(det.Risk)
	time.Sleep(delay)

	err = r.tmux.SendKeys(name, det.SendKey, true)
	success := err == nil

	if det.Pattern != nil {
		if recErr := r.store.RecordOccurrence(det.Pattern.ID, success); recErr != nil {
			log.Printf("[RESPONDER] failed to record occurrence for pattern %d: %v", det.Pattern.ID, recErr)
		}
	}

	if success {
		r.setCooldown(name)
		r.publish(events.EventResponderHit, name, det)
	}

	return err
}

// toolForSession infers the tool a session belongs to from its naming
// convention (sessions are named "<tool>-<suffix>" by the dispatcher's
// registration step); unnamed/ungrouped sessions fall back to "default".
func toolForSession(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '-' {
			return name[:i]
		}
	}
	return "default"
}

func (r *Responder) publish(eventType events.EventType, session string, det Detection) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewEvent(eventType, "responder", "all", events.PriorityLow, map[string]interface{}{
		"session": session,
		"risk":    string(det.Risk),
		"legacy":  det.Legacy,
	}))
}
