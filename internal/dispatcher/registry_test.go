package dispatcher

import (
	"testing"
	"time"
)

func TestRegisterAndHeartbeat(t *testing.T) {
	r := NewRegistry()
	r.Register("session-a", []string{"shell"}, "node-1")

	if err := r.Heartbeat("session-a"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := r.Heartbeat("missing"); err == nil {
		t.Fatalf("expected error heartbeating unknown session")
	}
}

func TestIdleCandidatesFiltersByCapabilityAndCooldown(t *testing.T) {
	r := NewRegistry()
	r.Register("shell-session", []string{"shell"}, "")
	r.Register("deploy-session", []string{"deploy"}, "")
	r.Register("generic-session", nil, "")

	r.RecordActivity("shell-session", true, false)
	r.RecordActivity("deploy-session", true, false)
	r.RecordActivity("generic-session", true, false)
	r.SetCooldown("deploy-session", time.Hour)

	candidates := r.IdleCandidates("shell", time.Now())
	names := map[string]bool{}
	for _, c := range candidates {
		names[c.Name] = true
	}
	if !names["shell-session"] {
		t.Fatalf("expected shell-session to be a candidate")
	}
	if names["deploy-session"] {
		t.Fatalf("deploy-session is on cooldown and should not be a candidate")
	}
	if !names["generic-session"] {
		t.Fatalf("expected generic-session (no capability filter) to accept any task type")
	}
}

func TestMarkAssignedAndFailed(t *testing.T) {
	r := NewRegistry()
	r.Register("s1", nil, "")
	r.RecordActivity("s1", true, false)

	r.MarkAssigned("s1", 42)
	sess, _ := r.Get("s1")
	if sess.State != SessionBusy || sess.AssignedTaskID == nil || *sess.AssignedTaskID != 42 {
		t.Fatalf("expected session busy and assigned to task 42, got %+v", sess)
	}

	r.MarkFailed("s1")
	sess, _ = r.Get("s1")
	if sess.State != SessionFailed || sess.AssignedTaskID != nil {
		t.Fatalf("expected session failed and unassigned, got %+v", sess)
	}
}

func TestRecordActivityResetsIdleTicksOnBusy(t *testing.T) {
	r := NewRegistry()
	r.Register("s1", nil, "")
	r.RecordActivity("s1", true, false)
	r.RecordActivity("s1", true, false)
	sess, _ := r.Get("s1")
	if sess.IdleTicks != 2 {
		t.Fatalf("expected 2 idle ticks, got %d", sess.IdleTicks)
	}

	r.RecordActivity("s1", false, false)
	sess, _ = r.Get("s1")
	if sess.IdleTicks != 0 || sess.State != SessionBusy {
		t.Fatalf("expected idle ticks reset on busy sample, got %+v", sess)
	}
}
