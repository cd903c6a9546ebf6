package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/controlplane/internal/events"
)

const (
	// maxResponseBodyLog caps the response body prefix retained per delivery
	// attempt.
	maxResponseBodyLog = 1024
	userAgent          = "controlplaned-webhooks/1.0"
	// backoffCap bounds the exponential backoff between retries.
	backoffCap = 60 * time.Second
)

// job is one event queued for delivery to a specific subscription.
type job struct {
	sub   *Subscription
	event *events.Event
}

// Dispatcher fans an event out to every subscribed webhook, delivering
// each with exponential backoff up to its retry_count, logging every
// attempt to the deliveries ledger. Deliveries across webhooks are
// unordered; deliveries for the same webhook are strictly serialized by
// giving each webhook id its own worker goroutine and queue.
type Dispatcher struct {
	store  *Store
	client *http.Client

	mu      sync.Mutex
	queues  map[int64]chan job
	running bool
}

// NewDispatcher builds a Dispatcher backed by store.
func NewDispatcher(store *Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		queues: make(map[int64]chan job),
	}
}

// Run subscribes to bus's "all" target and dispatches every task.* event
// to matching webhooks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, bus *events.Bus) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	ch := bus.Subscribe("all", nil)
	defer bus.Unsubscribe("all", ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			evCopy := ev
			d.Dispatch(&evCopy)
		}
	}
}

// Dispatch enqueues event for every enabled subscription whose events list
// contains the event kind and whose task_types filter (if any) admits the
// task's type.
func (d *Dispatcher) Dispatch(event *events.Event) {
	subs, err := d.store.ListEnabled()
	if err != nil {
		log.Printf("[WEBHOOK] failed to list subscriptions: %v", err)
		return
	}

	taskType, _ := event.Payload["task_type"].(string)

	for _, sub := range subs {
		if !matches(sub.EventTypes, string(event.Type)) {
			continue
		}
		if len(sub.TaskTypes) > 0 && !matches(sub.TaskTypes, taskType) {
			continue
		}
		d.enqueue(sub, event)
	}
}

func matches(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueue(sub *Subscription, event *events.Event) {
	d.mu.Lock()
	q, ok := d.queues[sub.ID]
	if !ok {
		q = make(chan job, 256)
		d.queues[sub.ID] = q
		go d.worker(q)
	}
	d.mu.Unlock()

	select {
	case q <- job{sub: sub, event: event}:
	default:
		log.Printf("[WEBHOOK] queue full for webhook %d, dropping event %s", sub.ID, event.Type)
	}
}

// worker drains one webhook's job queue strictly in order, so attempt n+1
// never begins before attempt n's outcome is recorded.
func (d *Dispatcher) worker(q chan job) {
	for j := range q {
		d.deliverWithRetry(j.sub, j.event)
	}
}

func (d *Dispatcher) deliverWithRetry(sub *Subscription, event *events.Event) {
	payload := buildPayload(event)
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[WEBHOOK] failed to marshal payload for webhook %d: %v", sub.ID, err)
		return
	}

	var taskID *int64
	if id, ok := event.Payload["task_id"]; ok {
		switch v := id.(type) {
		case int64:
			taskID = &v
		case float64:
			tid := int64(v)
			taskID = &tid
		}
	}

	for attempt := 1; attempt <= sub.RetryCount; attempt++ {
		if d.attempt(sub, event, body, attempt, taskID) {
			return
		}

		if attempt < sub.RetryCount {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > backoffCap {
				backoff = backoffCap
			}
			time.Sleep(backoff)
		}
	}
}

func (d *Dispatcher) attempt(sub *Subscription, event *events.Event, body []byte, attemptNum int, taskID *int64) bool {
	start := time.Now()

	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.logFailure(sub, event, attemptNum, taskID, string(body), 0, time.Since(start), err)
		return false
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", string(event.Type))
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signPayload(body, sub.Secret))
	}

	client := d.client
	if sub.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(sub.TimeoutSeconds) * time.Second}
	}

	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		d.logFailure(sub, event, attemptNum, taskID, string(body), 0, duration, err)
		return false
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLog))
	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	_ = d.store.LogDelivery(&Delivery{
		ID:           uuid.NewString(),
		WebhookID:    sub.ID,
		TaskID:       taskID,
		EventType:    string(event.Type),
		Payload:      string(body),
		Success:      success,
		StatusCode:   resp.StatusCode,
		Attempt:      attemptNum,
		ResponseBody: string(respBody),
		DurationMS:   duration.Milliseconds(),
	})
	return success
}

func (d *Dispatcher) logFailure(sub *Subscription, event *events.Event, attemptNum int, taskID *int64, payload string, statusCode int, duration time.Duration, err error) {
	_ = d.store.LogDelivery(&Delivery{
		ID:         uuid.NewString(),
		WebhookID:  sub.ID,
		TaskID:     taskID,
		EventType:  string(event.Type),
		Payload:    payload,
		Success:    false,
		StatusCode: statusCode,
		Attempt:    attemptNum,
		Error:      err.Error(),
		DurationMS: duration.Milliseconds(),
	})
}

// Test sends a synthetic payload to a subscription with event="test".
func (d *Dispatcher) Test(subID int64) error {
	sub, err := d.store.GetByID(subID)
	if err != nil {
		return fmt.Errorf("webhook %d not found: %w", subID, err)
	}

	synthetic := &events.Event{
		Type:      "test",
		CreatedAt: time.Now(),
		Payload: map[string]interface{}{
			"task_id":   0,
			"task_type": "test",
			"status":    "test",
		},
	}
	d.deliverWithRetry(sub, synthetic)
	return nil
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// buildPayload assembles the webhook delivery's JSON wire schema.
func buildPayload(event *events.Event) map[string]interface{} {
	result, _ := event.Payload["result"]
	errMsg, _ := event.Payload["error"]

	return map[string]interface{}{
		"event":     string(event.Type),
		"timestamp": event.CreatedAt.UTC().Format(time.RFC3339),
		"task": map[string]interface{}{
			"id":              event.Payload["task_id"],
			"type":            event.Payload["task_type"],
			"status":          event.Payload["status"],
			"previous_status": event.Payload["previous_status"],
			"worker_id":       event.Payload["worker_id"],
			"result":          result,
			"error":           errMsg,
		},
	}
}
