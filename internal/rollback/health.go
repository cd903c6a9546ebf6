package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// RestoreAttempt is one recorded automated-restore attempt, successful or
// not.
type RestoreAttempt struct {
	ID                  int64     `json:"id"`
	SnapshotID          string    `json:"snapshot_id,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Success             bool      `json:"success"`
	Error               string    `json:"error,omitempty"`
	AttemptedAt         time.Time `json:"attempted_at"`
}

// RecordRestoreAttempt writes a health_restore_attempts row. restoreErr nil
// means the restore succeeded.
func (m *Manager) RecordRestoreAttempt(snapshotID string, consecutiveFailures int, restoreErr error) error {
	errMsg := ""
	if restoreErr != nil {
		errMsg = restoreErr.Error()
	}
	_, err := m.db.Exec(
		`INSERT INTO health_restore_attempts (snapshot_id, consecutive_failures, success, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullString(snapshotID), consecutiveFailures, restoreErr == nil, nullString(errMsg), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record restore attempt: %w", err)
	}
	return nil
}

// RestoreAttempts returns recent automated-restore attempts, newest first.
func (m *Manager) RestoreAttempts(limit int) ([]*RestoreAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.db.Query(
		`SELECT id, COALESCE(snapshot_id, ''), consecutive_failures, success, COALESCE(error, ''), attempted_at
		 FROM health_restore_attempts ORDER BY attempted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list restore attempts: %w", err)
	}
	defer rows.Close()

	var out []*RestoreAttempt
	for rows.Next() {
		var a RestoreAttempt
		if err := rows.Scan(&a.ID, &a.SnapshotID, &a.ConsecutiveFailures, &a.Success, &a.Error, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// HealthMonitor polls an external health URL on an interval and, once the
// consecutive-failure count reaches the threshold, restores the most
// recent snapshot automatically, recording every attempt. A check is
// healthy when the endpoint answers 2xx with a {"status":"healthy"} body.
type HealthMonitor struct {
	manager   *Manager
	client    *http.Client
	url       string
	interval  time.Duration
	threshold int

	mu                  sync.Mutex
	active              bool
	consecutiveFailures int
	lastChecked         time.Time
	lastHealthy         bool
}

// NewHealthMonitor builds a monitor over m. interval and threshold fall
// back to 30s / 3 when unset.
func NewHealthMonitor(m *Manager, url string, interval time.Duration, threshold int) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthMonitor{
		manager:   m,
		client:    &http.Client{Timeout: 10 * time.Second},
		url:       url,
		interval:  interval,
		threshold: threshold,
	}
}

// Run polls until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) {
	h.mu.Lock()
	h.active = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active = false
		h.mu.Unlock()
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkOnce(ctx)
		}
	}
}

// CheckHealth probes the monitored endpoint once. Any transport error,
// non-2xx status, or a body not reporting {"status":"healthy"} counts as
// unhealthy.
func (h *HealthMonitor) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

func (h *HealthMonitor) checkOnce(ctx context.Context) {
	healthy := h.CheckHealth(ctx)

	h.mu.Lock()
	h.lastChecked = time.Now()
	h.lastHealthy = healthy
	if healthy {
		h.consecutiveFailures = 0
		h.mu.Unlock()
		return
	}
	h.consecutiveFailures++
	failures := h.consecutiveFailures
	h.mu.Unlock()

	if failures < h.threshold {
		log.Printf("[ROLLBACK] health check failed (%d/%d consecutive)", failures, h.threshold)
		return
	}

	h.autoRestore(failures)

	// The counter restarts after an attempt so a still-unhealthy target
	// must fail the full threshold again before the next restore.
	h.mu.Lock()
	h.consecutiveFailures = 0
	h.mu.Unlock()
}

// autoRestore restores the last known good (most recent) snapshot and
// records the attempt whether or not it applied.
func (h *HealthMonitor) autoRestore(failures int) {
	var snapshotID string
	var restoreErr error

	snaps, err := h.manager.List()
	switch {
	case err != nil:
		restoreErr = err
	case len(snaps) == 0:
		restoreErr = fmt.Errorf("no snapshot available to restore")
	default:
		snapshotID = snaps[0].ID
		restoreErr = h.manager.Restore(snapshotID)
	}

	if err := h.manager.RecordRestoreAttempt(snapshotID, failures, restoreErr); err != nil {
		log.Printf("[ROLLBACK] failed to record restore attempt: %v", err)
	}
	if restoreErr != nil {
		log.Printf("[ROLLBACK] automatic restore after %d failures did not apply: %v", failures, restoreErr)
		return
	}
	log.Printf("[ROLLBACK] automatic restore of snapshot %s after %d consecutive health failures", snapshotID, failures)
}

// MonitorStatus is a point-in-time view of the monitor's state.
type MonitorStatus struct {
	Active              bool      `json:"active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	LastHealthy         bool      `json:"last_healthy"`
}

// Status reports whether the monitor loop is running and how the last
// checks went.
func (h *HealthMonitor) Status() MonitorStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return MonitorStatus{
		Active:              h.active,
		ConsecutiveFailures: h.consecutiveFailures,
		LastChecked:         h.lastChecked,
		LastHealthy:         h.lastHealthy,
	}
}
