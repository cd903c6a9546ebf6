package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// variablePattern matches both ${name} and $name forms, grounded in
// original_source/batch_tasks.py's VARIABLE_PATTERN.
var variablePattern = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// ExtractVariables returns the sorted set of variable names referenced by
// any string leaf of payload.
func ExtractVariables(payload map[string]interface{}) []string {
	seen := make(map[string]struct{})
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			for _, m := range variablePattern.FindAllStringSubmatch(val, -1) {
				name := m[1]
				if name == "" {
					name = m[2]
				}
				seen[name] = struct{}{}
			}
		case map[string]interface{}:
			for _, sub := range val {
				walk(sub)
			}
		case []interface{}:
			for _, sub := range val {
				walk(sub)
			}
		}
	}
	walk(payload)

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SubstituteVariables rewrites every string leaf of payload replacing
// ${name} and $name occurrences with their bound values. Names with no
// binding are left intact rather than raising an error.
func SubstituteVariables(payload map[string]interface{}, vars map[string]string) map[string]interface{} {
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case string:
			out := val
			for name, value := range vars {
				out = regexp.MustCompile(`\$\{`+regexp.QuoteMeta(name)+`\}`).ReplaceAllString(out, value)
				out = regexp.MustCompile(`\$`+regexp.QuoteMeta(name)+`\b`).ReplaceAllString(out, value)
			}
			return out
		case map[string]interface{}:
			out := make(map[string]interface{}, len(val))
			for k, sub := range val {
				out[k] = walk(sub)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(val))
			for i, sub := range val {
				out[i] = walk(sub)
			}
			return out
		default:
			return val
		}
	}

	result := walk(payload)
	if m, ok := result.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// TemplateStore persists task templates and their batch groupings.
type TemplateStore struct {
	db *sql.DB
}

// NewTemplateStore wraps a migrated *sql.DB.
func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

// Create inserts a new template.
func (s *TemplateStore) Create(tpl *Template) (int64, error) {
	now := time.Now()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	if tpl.DefaultMaxRetries == 0 {
		tpl.DefaultMaxRetries = 3
	}
	if tpl.DefaultTimeoutSeconds == 0 {
		tpl.DefaultTimeoutSeconds = 300
	}
	res, err := s.db.Exec(
		`INSERT INTO task_templates (name, task_type, payload_template, default_priority,
			default_max_retries, default_timeout_seconds, usage_count, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		tpl.Name, tpl.TaskType, tpl.PayloadTemplate, tpl.DefaultPriority,
		tpl.DefaultMaxRetries, tpl.DefaultTimeoutSeconds, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert template: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	tpl.ID = id
	tpl.IsActive = true
	return id, nil
}

// GetActiveByID returns a template if it exists and is_active, mirroring
// original_source/batch_tasks.py's get_template (WHERE ... AND is_active = 1).
func (s *TemplateStore) GetActiveByID(id int64) (*Template, error) {
	row := s.db.QueryRow(
		`SELECT id, name, task_type, payload_template, default_priority, default_max_retries,
			default_timeout_seconds, usage_count, is_active, created_at, updated_at
		 FROM task_templates WHERE id = ? AND is_active = 1`, id)
	return scanTemplate(row)
}

// List returns templates, newest first. Inactive templates are included
// only when includeInactive is set.
func (s *TemplateStore) List(includeInactive bool) ([]*Template, error) {
	q := `SELECT id, name, task_type, payload_template, default_priority, default_max_retries,
			default_timeout_seconds, usage_count, is_active, created_at, updated_at
		 FROM task_templates`
	if !includeInactive {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.TaskType, &t.PayloadTemplate, &t.DefaultPriority,
			&t.DefaultMaxRetries, &t.DefaultTimeoutSeconds, &t.UsageCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Deactivate soft-deletes a template (is_active=false) without touching
// usage_count or any task it previously instantiated.
func (s *TemplateStore) Deactivate(id int64) error {
	_, err := s.db.Exec(`UPDATE task_templates SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// IncrementUsage bumps usage_count inside the caller's transaction, so it
// commits or rolls back atomically with the task insert it accompanies.
func (s *TemplateStore) IncrementUsage(tx *sql.Tx, id int64) error {
	_, err := tx.Exec(`UPDATE task_templates SET usage_count = usage_count + 1 WHERE id = ?`, id)
	return err
}

func scanTemplate(row *sql.Row) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.TaskType, &t.PayloadTemplate, &t.DefaultPriority,
		&t.DefaultMaxRetries, &t.DefaultTimeoutSeconds, &t.UsageCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PayloadSkeleton unmarshals the template's stored JSON skeleton.
func (t *Template) PayloadSkeleton() (map[string]interface{}, error) {
	skeleton := make(map[string]interface{})
	if t.PayloadTemplate == "" {
		return skeleton, nil
	}
	if err := json.Unmarshal([]byte(t.PayloadTemplate), &skeleton); err != nil {
		return nil, fmt.Errorf("failed to parse template payload: %w", err)
	}
	return skeleton, nil
}

// BatchStore persists batch grouping records.
type BatchStore struct {
	db *sql.DB
}

// NewBatchStore wraps a migrated *sql.DB.
func NewBatchStore(db *sql.DB) *BatchStore {
	return &BatchStore{db: db}
}

// Create inserts a new batch row inside tx.
func (s *BatchStore) Create(tx *sql.Tx, b *Batch) (int64, error) {
	b.CreatedAt = time.Now()
	res, err := tx.Exec(
		`INSERT INTO task_batches (template_id, label, status, stagger_seconds, total_requested, created_count, failed_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.TemplateID, nullString(b.Label), b.Status, b.StaggerSeconds, b.TotalRequested, b.CreatedCount, b.FailedCount, b.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	b.ID = id
	return id, nil
}

// SetStatus updates a batch's derived aggregate status.
func (s *BatchStore) SetStatus(tx *sql.Tx, batchID int64, status string) error {
	_, err := tx.Exec(`UPDATE task_batches SET status = ? WHERE id = ?`, status, batchID)
	return err
}

// SetCounts writes the final per-item tallies after an expansion.
func (s *BatchStore) SetCounts(tx *sql.Tx, batchID int64, total, created, failed int) error {
	_, err := tx.Exec(
		`UPDATE task_batches SET total_requested = ?, created_count = ?, failed_count = ? WHERE id = ?`,
		total, created, failed, batchID)
	return err
}

// GetByID returns a batch by id.
func (s *BatchStore) GetByID(id int64) (*Batch, error) {
	row := s.db.QueryRow(
		`SELECT id, template_id, COALESCE(label, ''), status, stagger_seconds, total_requested, created_count, failed_count, created_at
		 FROM task_batches WHERE id = ?`, id)
	var b Batch
	err := row.Scan(&b.ID, &b.TemplateID, &b.Label, &b.Status, &b.StaggerSeconds, &b.TotalRequested, &b.CreatedCount, &b.FailedCount, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// TasksForBatch returns tasks carrying batchID in their payload's reserved
// _batch_id key or (when present) the first-class batch_id column — the
// spec leaves both forms compliant; this store queries the column, which
// every insert through Queue.ExpandBatch also populates.
func (s *BatchStore) TasksForBatch(batchID int64) ([]*Task, error) {
	rows, err := s.db.Query(selectColumns+" FROM tasks WHERE batch_id = ? ORDER BY created_at ASC", batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}
