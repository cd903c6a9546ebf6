// Package webhooks implements subscriber CRUD, HMAC-signed delivery with
// exponential backoff, and the per-delivery ledger, following the same
// sign-then-POST-then-log shape as internal/notifications/external's HTTP
// notifiers.
package webhooks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Subscription is a webhook subscriber row.
type Subscription struct {
	ID             int64     `json:"id"`
	URL            string    `json:"url"`
	Secret         string    `json:"secret,omitempty"`
	EventTypes     []string  `json:"events"`
	TaskTypes      []string  `json:"task_types,omitempty"`
	Enabled        bool      `json:"enabled"`
	RetryCount     int       `json:"retry_count"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Delivery is one recorded attempt against a Subscription.
type Delivery struct {
	ID           string    `json:"id"`
	WebhookID    int64     `json:"webhook_id"`
	TaskID       *int64    `json:"task_id,omitempty"`
	EventType    string    `json:"event_type"`
	Payload      string    `json:"payload"`
	Success      bool      `json:"success"`
	StatusCode   int       `json:"status_code,omitempty"`
	Attempt      int       `json:"attempt"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists webhook subscriptions and delivery attempts.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new subscription.
func (s *Store) Create(sub *Subscription) (int64, error) {
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	if sub.RetryCount == 0 {
		sub.RetryCount = 3
	}
	if sub.TimeoutSeconds == 0 {
		sub.TimeoutSeconds = 10
	}

	eventsJSON, _ := json.Marshal(sub.EventTypes)
	typesJSON, _ := json.Marshal(sub.TaskTypes)

	res, err := s.db.Exec(
		`INSERT INTO task_webhooks (url, secret, event_types, task_types, enabled, retry_count, timeout_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.URL, nullString(sub.Secret), string(eventsJSON), string(typesJSON), sub.Enabled,
		sub.RetryCount, sub.TimeoutSeconds, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert webhook: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sub.ID = id
	return id, nil
}

// ListEnabled returns every enabled subscription.
func (s *Store) ListEnabled() ([]*Subscription, error) {
	rows, err := s.db.Query(
		`SELECT id, url, COALESCE(secret, ''), event_types, task_types, enabled, retry_count, timeout_seconds, created_at, updated_at
		 FROM task_webhooks WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetByID returns a subscription by id.
func (s *Store) GetByID(id int64) (*Subscription, error) {
	row := s.db.QueryRow(
		`SELECT id, url, COALESCE(secret, ''), event_types, task_types, enabled, retry_count, timeout_seconds, created_at, updated_at
		 FROM task_webhooks WHERE id = ?`, id)
	return scanSubscription(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var eventsJSON, typesJSON string
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &eventsJSON, &typesJSON, &sub.Enabled,
		&sub.RetryCount, &sub.TimeoutSeconds, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(eventsJSON), &sub.EventTypes)
	_ = json.Unmarshal([]byte(typesJSON), &sub.TaskTypes)
	return &sub, nil
}

// LogDelivery records a delivery attempt.
func (s *Store) LogDelivery(d *Delivery) error {
	d.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO webhook_deliveries (id, webhook_id, task_id, event_type, payload, success,
			status_code, attempt, response_body, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.TaskID, d.EventType, d.Payload, d.Success, d.StatusCode,
		d.Attempt, nullString(d.ResponseBody), nullString(d.Error), d.DurationMS, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log webhook delivery: %w", err)
	}
	return nil
}

// DeliveriesForWebhook returns recent delivery attempts for a subscription,
// newest first.
func (s *Store) DeliveriesForWebhook(webhookID int64, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, webhook_id, task_id, event_type, payload, success, COALESCE(status_code, 0),
			attempt, COALESCE(response_body, ''), COALESCE(error, ''), duration_ms, created_at
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?`,
		webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.TaskID, &d.EventType, &d.Payload, &d.Success,
			&d.StatusCode, &d.Attempt, &d.ResponseBody, &d.Error, &d.DurationMS, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
