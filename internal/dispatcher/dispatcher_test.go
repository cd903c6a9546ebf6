package dispatcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentctl/controlplane/internal/queue"
)

func TestClassifyIdleRequiresPromptMarkerAndNoBusyTokens(t *testing.T) {
	cases := []struct {
		name    string
		capture string
		want    bool
	}{
		{"idle shell prompt", "some output\nuser@host:~$", true},
		{"busy token present", "Thinking about the task...\nuser@host:~$", false},
		{"no prompt marker", "still writing output\nmore text here", false},
		{"trailing blank lines", "user@host:~$\n\n\n", true},
		{"ellipsis busy marker", "Running tests…\n$", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyIdle(c.capture); got != c.want {
				t.Fatalf("classifyIdle(%q) = %v, want %v", c.capture, got, c.want)
			}
		})
	}
}

func TestFormatPromptIncludesTaskIDAndType(t *testing.T) {
	task := &queue.Task{ID: 7, TaskType: "deploy", Payload: map[string]interface{}{"target": "staging"}}
	prompt := formatPrompt(task)
	if !strings.Contains(prompt, "#7") || !strings.Contains(prompt, "deploy") || !strings.Contains(prompt, "staging") {
		t.Fatalf("prompt missing expected content: %s", prompt)
	}
}

func TestRateLimiterWaitDispatchSuspendsWithoutBusySpin(t *testing.T) {
	rl := NewRateLimiter(100, 5*time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.WaitDispatch(ctx); err != nil {
			t.Fatalf("WaitDispatch error: %v", err)
		}
	}
	if time.Since(start) < 0 {
		t.Fatalf("unexpected negative elapsed time")
	}
}

func TestRateLimiterEnforcesSpawnCooldownFloor(t *testing.T) {
	rl := NewRateLimiter(10, time.Second) // request below the 5s floor
	if rl.spawn.Limit() > 1.0/5.0+0.001 {
		t.Fatalf("expected spawn cooldown to be clamped to >=5s floor, got limit %v", rl.spawn.Limit())
	}
}

func TestClaimAndDispatchSkipsWhenShutdown(t *testing.T) {
	d := &Dispatcher{
		Registry: NewRegistry(),
		Shutdown: NewShutdownManager(time.Second),
		limiter:  NewRateLimiter(10, 5*time.Second),
		leases:   make(map[int64]func()),
	}
	d.Shutdown.RequestShutdown("pretend-stopped")

	dispatched, err := d.ClaimAndDispatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispatched {
		t.Fatalf("expected no dispatch once shutdown has completed")
	}
}
