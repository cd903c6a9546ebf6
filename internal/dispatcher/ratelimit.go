package dispatcher

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bundles two cooldowns: a minimum interval between task
// dispatches (derived from MaxTasksPerSecond) and a minimum interval
// between worker spawns. Both are backed by golang.org/x/time/rate.Limiter
// rather than hand-rolled ticker math.
type RateLimiter struct {
	dispatch *rate.Limiter
	spawn    *rate.Limiter
}

// NewRateLimiter builds a limiter from MAX_TASKS_PER_SECOND (dispatch rate)
// and WORKER_SPAWN_COOLDOWN (minimum spacing between spawns, clamped to
// spec's ≥5s floor).
func NewRateLimiter(maxTasksPerSecond float64, workerSpawnCooldown time.Duration) *RateLimiter {
	if maxTasksPerSecond <= 0 {
		maxTasksPerSecond = 1
	}
	if workerSpawnCooldown < 5*time.Second {
		workerSpawnCooldown = 5 * time.Second
	}
	return &RateLimiter{
		dispatch: rate.NewLimiter(rate.Limit(maxTasksPerSecond), 1),
		spawn:    rate.NewLimiter(rate.Every(workerSpawnCooldown), 1),
	}
}

// WaitDispatch suspends (never busy-spins) until the next dispatch slot is
// available or ctx is cancelled.
func (r *RateLimiter) WaitDispatch(ctx context.Context) error {
	return r.dispatch.Wait(ctx)
}

// WaitSpawn suspends until the next worker-spawn slot is available.
func (r *RateLimiter) WaitSpawn(ctx context.Context) error {
	return r.spawn.Wait(ctx)
}
