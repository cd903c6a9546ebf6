package responder

import (
	"fmt"
	"time"
)

// Change is one learning-loop finding, ready to hand to the store or to a
// notification channel.
type Change struct {
	Type      string
	PatternID int64
	Detail    string
}

const (
	ChangeTypeDisappeared = "pattern_disappeared"
	ChangeTypeLowSuccess  = "low_success_rate"
	ChangeTypeNewPattern  = "new_pattern_detected"
)

// DetectChanges computes the periodic pattern_changes set: patterns silent
// for 24h, patterns whose last-24h success rate has dropped below 0.5 over
// at least 5 occurrences, and patterns whose first occurrence landed within
// the last hour. Every finding is persisted via RecordChange and returned
// for the caller to act on (notify/escalate).
func DetectChanges(store *Store) ([]Change, error) {
	patterns, err := store.ActivePatterns()
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns for change detection: %w", err)
	}

	now := time.Now().UTC()
	var changes []Change

	for _, p := range patterns {
		last, err := store.lastOccurrence(p.ID)
		if err != nil {
			continue
		}

		if last.IsZero() {
			continue // never seen; not yet a "disappeared" pattern
		}

		if now.Sub(last) >= 24*time.Hour {
			detail := fmt.Sprintf("pattern %q/%q hasn't appeared in %.1f hours", p.Tool, p.Regex, now.Sub(last).Hours())
			changes = append(changes, Change{Type: ChangeTypeDisappeared, PatternID: p.ID, Detail: detail})
		}

		occurrences, successes, err := store.last24hTrend(p.ID)
		if err == nil && occurrences >= 5 {
			rate := float64(successes) / float64(occurrences)
			if rate < 0.5 {
				detail := fmt.Sprintf("pattern %q/%q success rate dropped to %.1f%% (%d/%d)", p.Tool, p.Regex, rate*100, successes, occurrences)
				changes = append(changes, Change{Type: ChangeTypeLowSuccess, PatternID: p.ID, Detail: detail})
			}
		}

		first, err := store.firstOccurrence(p.ID)
		if err == nil && !first.IsZero() && now.Sub(first) <= time.Hour {
			detail := fmt.Sprintf("pattern %q/%q first seen within the last hour", p.Tool, p.Regex)
			changes = append(changes, Change{Type: ChangeTypeNewPattern, PatternID: p.ID, Detail: detail})
		}
	}

	for _, c := range changes {
		if err := store.RecordChange(c.PatternID, c.Type, c.Detail); err != nil {
			return changes, err
		}
	}

	return changes, nil
}
