package rollback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckHealthAcceptsHealthyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	h := NewHealthMonitor(m, srv.URL, time.Second, 3)
	if !h.CheckHealth(context.Background()) {
		t.Fatal("expected healthy for 200 + healthy body")
	}
}

func TestCheckHealthRejectsErrorStatusAndBody(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"500 status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"status":"unhealthy"}`))
		}},
		{"200 but unhealthy body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"unhealthy"}`))
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(c.handler)
			defer srv.Close()

			m, _ := newTestManager(t)
			h := NewHealthMonitor(m, srv.URL, time.Second, 3)
			if h.CheckHealth(context.Background()) {
				t.Fatal("expected unhealthy")
			}
		})
	}
}

func TestCheckHealthUnreachableEndpointIsUnhealthy(t *testing.T) {
	m, _ := newTestManager(t)
	h := NewHealthMonitor(m, "http://127.0.0.1:1/health", time.Second, 3)
	if h.CheckHealth(context.Background()) {
		t.Fatal("expected unhealthy for unreachable endpoint")
	}
}

func TestAutoRestoreAfterThresholdRecordsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	if _, err := m.Create("known good"); err != nil {
		t.Fatalf("Create snapshot failed: %v", err)
	}

	h := NewHealthMonitor(m, srv.URL, time.Second, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.checkOnce(ctx)
	}

	attempts, err := m.RestoreAttempts(10)
	if err != nil {
		t.Fatalf("RestoreAttempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 after reaching the threshold", len(attempts))
	}
	if attempts[0].ConsecutiveFailures != 3 {
		t.Fatalf("consecutive_failures = %d, want 3", attempts[0].ConsecutiveFailures)
	}
	if !attempts[0].Success || attempts[0].SnapshotID == "" {
		t.Fatalf("expected successful attempt against the created snapshot, got %+v", attempts[0])
	}

	if got := h.Status().ConsecutiveFailures; got != 0 {
		t.Fatalf("consecutive failures after restore = %d, want 0 (counter restarts)", got)
	}
}

func TestAutoRestoreWithNoSnapshotRecordsFailedAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	h := NewHealthMonitor(m, srv.URL, time.Second, 2)
	ctx := context.Background()
	h.checkOnce(ctx)
	h.checkOnce(ctx)

	attempts, err := m.RestoreAttempts(10)
	if err != nil {
		t.Fatalf("RestoreAttempts failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Success {
		t.Fatalf("expected one failed attempt, got %+v", attempts)
	}
	if attempts[0].Error == "" {
		t.Fatal("expected the attempt to carry the restore error")
	}
}
