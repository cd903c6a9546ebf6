// Package tmux provides centralized tmux CLI operations with rate limiting:
// a minOpInterval/commandTimeout/sync.Once singleton retargeted from pane
// verbs to tmux's session verbs (list-sessions, capture-pane, send-keys,
// kill-session), the terminal multiplexer side channel the dispatcher and
// responder use to observe and drive agent sessions.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SessionInfo describes one tmux session as reported by list-sessions.
type SessionInfo struct {
	Name     string `json:"name"`
	Attached bool   `json:"attached"`
	Windows  int    `json:"windows"`
	Created  string `json:"created"`
}

// Ops provides thread-safe tmux CLI operations with rate limiting.
type Ops struct {
	mu             sync.Mutex
	lastOp         time.Time
	minOpInterval  time.Duration
	commandTimeout time.Duration
}

var (
	instance     *Ops
	instanceOnce sync.Once
)

// Get returns the singleton Ops instance.
func Get() *Ops {
	instanceOnce.Do(func() {
		instance = &Ops{
			minOpInterval:  200 * time.Millisecond,
			commandTimeout: 10 * time.Second,
		}
	})
	return instance
}

func (o *Ops) waitForInterval() {
	elapsed := time.Since(o.lastOp)
	if elapsed < o.minOpInterval {
		time.Sleep(o.minOpInterval - elapsed)
	}
	o.lastOp = time.Now()
}

func (o *Ops) runCommand(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("tmux command timed out after %v", o.commandTimeout)
	}
	return output, err
}

// ListSessions returns every live tmux session. A tmux server with no
// sessions returns an empty list, not an error — callers must tolerate a
// missing multiplexer entirely.
func (o *Ops) ListSessions() ([]SessionInfo, error) {
	return o.ListSessionsContext(context.Background())
}

// ListSessionsContext is ListSessions with context support.
func (o *Ops) ListSessionsContext(ctx context.Context) ([]SessionInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()

	format := "#{session_name}\t#{session_attached}\t#{session_windows}\t#{session_created}"
	output, err := o.runCommand(ctx, "list-sessions", "-F", format)
	if err != nil {
		if strings.Contains(string(output), "no server running") || strings.Contains(string(output), "No such file") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tmux sessions: %w (output: %s)", err, string(output))
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 {
			continue
		}
		windows, _ := strconv.Atoi(parts[2])
		sessions = append(sessions, SessionInfo{
			Name:     parts[0],
			Attached: parts[1] == "1",
			Windows:  windows,
			Created:  parts[3],
		})
	}
	return sessions, nil
}

// HasSession reports whether name is a live session, tolerating a missing
// server by treating it as "not present" rather than an error.
func (o *Ops) HasSession(name string) (bool, error) {
	sessions, err := o.ListSessions()
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// CapturePane reads a session's visible pane plus up to n lines of
// scrollback above it via `capture-pane -t <name> -p -S -N`. A missing
// session, or a missing tmux server, returns an empty string, not an error.
func (o *Ops) CapturePane(name string, n int) (string, error) {
	return o.CapturePaneContext(context.Background(), name, n)
}

// CapturePaneContext is CapturePane with context support.
func (o *Ops) CapturePaneContext(ctx context.Context, name string, n int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()

	if n <= 0 {
		n = 50
	}

	output, err := o.runCommand(ctx, "capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", n))
	if err != nil {
		out := string(output)
		if strings.Contains(out, "can't find session") || strings.Contains(out, "can't find pane") ||
			strings.Contains(out, "no server running") || strings.Contains(out, "No such file") {
			return "", nil
		}
		return "", fmt.Errorf("failed to capture pane %q: %w (output: %s)", name, err, string(output))
	}
	return string(output), nil
}

// SendKeys sends literal text to a session, optionally followed by Enter.
func (o *Ops) SendKeys(name, text string, enter bool) error {
	return o.SendKeysContext(context.Background(), name, text, enter)
}

// SendKeysContext is SendKeys with context support.
func (o *Ops) SendKeysContext(ctx context.Context, name, text string, enter bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()

	args := []string{"send-keys", "-t", name, "-l", text}
	output, err := o.runCommand(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to send keys to %q: %w (output: %s)", name, err, string(output))
	}

	if enter {
		if _, err := o.runCommand(ctx, "send-keys", "-t", name, "Enter"); err != nil {
			return fmt.Errorf("failed to send Enter to %q: %w", name, err)
		}
	}

	log.Printf("[TMUX] sent keys to session %q (enter=%v)", name, enter)
	return nil
}

// KillSession terminates a tmux session.
func (o *Ops) KillSession(name string) error {
	return o.KillSessionContext(context.Background(), name)
}

// KillSessionContext is KillSession with context support.
func (o *Ops) KillSessionContext(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()

	output, err := o.runCommand(ctx, "kill-session", "-t", name)
	if err != nil && !bytes.Contains(output, []byte("can't find session")) {
		return fmt.Errorf("failed to kill session %q: %w (output: %s)", name, err, string(output))
	}
	return nil
}
