package responder

import (
	"testing"
)

func TestDetectChangesFlagsNewPattern(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddPattern("claude", `pattern`, "send_key:1", RiskLow)
	if err := s.RecordOccurrence(id, true); err != nil {
		t.Fatalf("RecordOccurrence failed: %v", err)
	}

	changes, err := DetectChanges(s)
	if err != nil {
		t.Fatalf("DetectChanges failed: %v", err)
	}

	found := false
	for _, c := range changes {
		if c.Type == ChangeTypeNewPattern && c.PatternID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected new_pattern_detected change, got %+v", changes)
	}
}

func TestDetectChangesFlagsLowSuccessRate(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddPattern("claude", `pattern`, "send_key:1", RiskLow)

	for i := 0; i < 6; i++ {
		if err := s.RecordOccurrence(id, i < 2); err != nil { // 2 successes out of 6
			t.Fatalf("RecordOccurrence failed: %v", err)
		}
	}

	changes, err := DetectChanges(s)
	if err != nil {
		t.Fatalf("DetectChanges failed: %v", err)
	}

	found := false
	for _, c := range changes {
		if c.Type == ChangeTypeLowSuccess && c.PatternID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected low_success_rate change, got %+v", changes)
	}
}

func TestDetectChangesSkipsNeverSeenPatterns(t *testing.T) {
	s := newTestStore(t)
	s.AddPattern("claude", `pattern`, "send_key:1", RiskLow)

	changes, err := DetectChanges(s)
	if err != nil {
		t.Fatalf("DetectChanges failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes for a pattern with zero occurrences, got %+v", changes)
	}
}

func TestDetectChangesPersistsToChangesTable(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddPattern("claude", `pattern`, "send_key:1", RiskLow)
	s.RecordOccurrence(id, true)

	if _, err := DetectChanges(s); err != nil {
		t.Fatalf("DetectChanges failed: %v", err)
	}

	row := s.db.QueryRow(`SELECT COUNT(*) FROM pattern_changes WHERE pattern_id = ?`, id)
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatalf("failed to count pattern_changes: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected at least one persisted pattern_change row")
	}
}
