// Package responder implements the prompt auto-responder: a compiled
// pattern cache, a detection pipeline (ANSI/box-drawing strip, tail-window
// regex match, risk classification, legacy heuristic fallback), a
// risk-tuned randomized-delay key injector, and the learning loop that
// detects pattern_disappeared/low_success_rate/new_pattern_detected
// changes against a patterns/occurrences/trends/pattern_changes schema.
// Session capture and key injection go through the rate-limited tmux
// singleton in internal/tmux.
package responder

import (
	"database/sql"
	"fmt"
	"time"
)

// Risk classifies the operation a confirmation prompt is gating.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Action is what the responder does when a pattern matches.
type Action string

const (
	ActionSkip    Action = "skip"
	ActionSendKey Action = "send_key"
)

// Pattern is one compiled confirmation-prompt signature scoped to a tool.
type Pattern struct {
	ID      int64
	Tool    string
	Regex   string
	Action  string // "skip" or "send_key:<K>"
	Risk    Risk
	Enabled bool
}

// Occurrence is one recorded pattern match, success or failure.
type Occurrence struct {
	ID        int64
	PatternID int64
	MatchedAt time.Time
	Succeeded bool
}

// PatternChange is a durable learning-loop finding.
type PatternChange struct {
	ID           int64
	PatternID    int64
	ChangeType   string // pattern_disappeared | low_success_rate | new_pattern_detected
	Detail       string
	DetectedAt   time.Time
	Acknowledged bool
}

// Store persists patterns, occurrences, trend rollups, and pattern
// changes, grounded in pattern_tracker.py's four-table schema.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ActivePatterns returns every enabled pattern, grouped implicitly by Tool
// (callers group client-side, matching the cache's per-tool layout).
func (s *Store) ActivePatterns() ([]*Pattern, error) {
	rows, err := s.db.Query(
		`SELECT id, tool, pattern, action, risk, enabled FROM patterns WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active patterns: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.ID, &p.Tool, &p.Regex, &p.Action, &p.Risk, &p.Enabled); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AddPattern inserts a new pattern, returning the existing id on a
// (tool, pattern) collision rather than erroring, matching
// pattern_tracker.py's add_pattern "already exists, get its ID" fallback.
func (s *Store) AddPattern(tool, pattern, action string, risk Risk) (int64, error) {
	_, err := s.db.Exec(
		`INSERT INTO patterns (tool, pattern, action, risk, enabled) VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(tool, pattern) DO UPDATE SET action = excluded.action, risk = excluded.risk`,
		tool, pattern, action, string(risk))
	if err != nil {
		return 0, fmt.Errorf("failed to add pattern: %w", err)
	}
	var id int64
	row := s.db.QueryRow(`SELECT id FROM patterns WHERE tool = ? AND pattern = ?`, tool, pattern)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read pattern id: %w", err)
	}
	return id, nil
}

// RecordOccurrence logs a match and rolls it into the current hour's trend
// bucket, matching pattern_tracker.py's record_occurrence (occurrence
// insert + trend upsert in one call).
func (s *Store) RecordOccurrence(patternID int64, succeeded bool) error {
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`INSERT INTO pattern_occurrences (pattern_id, matched_at, succeeded) VALUES (?, ?, ?)`,
		patternID, now, succeeded); err != nil {
		return fmt.Errorf("failed to record occurrence: %w", err)
	}

	hourBucket := now.Truncate(time.Hour)
	successDelta := 0
	if succeeded {
		successDelta = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO pattern_trends (pattern_id, hour_bucket, occurrence_count, success_count)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(pattern_id, hour_bucket) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			success_count = success_count + ?`,
		patternID, hourBucket, successDelta, successDelta)
	if err != nil {
		return fmt.Errorf("failed to update trend bucket: %w", err)
	}
	return nil
}

// RecordChange persists a learning-loop finding.
func (s *Store) RecordChange(patternID int64, changeType, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO pattern_changes (pattern_id, change_type, detail, detected_at) VALUES (?, ?, ?, ?)`,
		patternID, changeType, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record pattern change: %w", err)
	}
	return nil
}

// lastOccurrence returns the most recent occurrence timestamp for a
// pattern, or the zero time if it has never matched.
func (s *Store) lastOccurrence(patternID int64) (time.Time, error) {
	row := s.db.QueryRow(
		`SELECT matched_at FROM pattern_occurrences WHERE pattern_id = ? ORDER BY matched_at DESC LIMIT 1`, patternID)
	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// firstOccurrence returns the earliest occurrence timestamp for a pattern.
func (s *Store) firstOccurrence(patternID int64) (time.Time, error) {
	row := s.db.QueryRow(
		`SELECT matched_at FROM pattern_occurrences WHERE pattern_id = ? ORDER BY matched_at ASC LIMIT 1`, patternID)
	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// last24hTrend aggregates occurrence/success/failure counts over the last
// 24 hours for a pattern.
func (s *Store) last24hTrend(patternID int64) (occurrences, successes int, err error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(occurrence_count), 0), COALESCE(SUM(success_count), 0)
		 FROM pattern_trends WHERE pattern_id = ? AND hour_bucket >= ?`,
		patternID, time.Now().UTC().Add(-24*time.Hour))
	err = row.Scan(&occurrences, &successes)
	return
}
