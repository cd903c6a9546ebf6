package queue

import (
	"errors"
	"testing"

	"github.com/agentctl/controlplane/internal/events"
	"github.com/agentctl/controlplane/internal/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	engine, err := storage.Open(":memory:", storage.DriverPureGo)
	if err != nil {
		t.Fatalf("failed to open test storage: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	bus := events.NewBus(nil)
	return New(engine, bus, nil)
}

func TestSubmitAndClaim(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Submit("shell", map[string]interface{}{"cmd": "run"}, 5, 3, 300, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}

	claimed, err := q.ClaimNext("worker-1", nil)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if claimed.ID != task.ID {
		t.Fatalf("claimed id = %d, want %d", claimed.ID, task.ID)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("status = %s, want running", claimed.Status)
	}
	if claimed.AssignedWorker != "worker-1" {
		t.Fatalf("assigned_worker = %q, want worker-1", claimed.AssignedWorker)
	}

	if _, err := q.ClaimNext("worker-2", nil); err != ErrQueueEmpty {
		t.Fatalf("expected ErrQueueEmpty on empty queue, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Submit("", nil, 0, 3, 300, nil); err == nil {
		t.Fatal("expected error for empty task_type")
	}
	if _, err := q.Submit("shell", nil, 11, 3, 300, nil); err == nil {
		t.Fatal("expected error for priority out of range")
	}
}

func TestSubmitWithMissingParent(t *testing.T) {
	q := newTestQueue(t)
	missing := int64(9999)
	if _, err := q.Submit("shell", nil, 5, 3, 300, &missing); err != ErrParentNotFound {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
}

func TestHierarchyCascade(t *testing.T) {
	q := newTestQueue(t)

	root, err := q.Submit("shell", nil, 5, 3, 300, nil)
	if err != nil {
		t.Fatalf("root submit failed: %v", err)
	}

	child, err := q.Submit("shell", nil, 5, 3, 300, &root.ID)
	if err != nil {
		t.Fatalf("child submit failed: %v", err)
	}
	if child.HierarchyLevel != 1 {
		t.Fatalf("child hierarchy_level = %d, want 1", child.HierarchyLevel)
	}

	grandchild, err := q.Submit("shell", nil, 5, 3, 300, &child.ID)
	if err != nil {
		t.Fatalf("grandchild submit failed: %v", err)
	}
	if grandchild.HierarchyLevel != 2 {
		t.Fatalf("grandchild hierarchy_level = %d, want 2", grandchild.HierarchyLevel)
	}
	wantPath := child.HierarchyPath
	if grandchild.HierarchyPath[:len(wantPath)] != wantPath {
		t.Fatalf("grandchild hierarchy_path = %q, want prefix %q", grandchild.HierarchyPath, wantPath)
	}

	rootAfter, err := q.store.GetByID(root.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rootAfter.ChildCount != 1 {
		t.Fatalf("root child_count = %d, want 1", rootAfter.ChildCount)
	}

	// Completing child must not auto-complete root while grandchild is
	// still pending. Claims are FIFO at equal priority, so the second claim
	// takes child and leaves grandchild pending.
	if _, err := q.ClaimNext("w1", nil); err != nil {
		t.Fatalf("claim root failed: %v", err)
	}
	claimed, err := q.ClaimNext("w1", nil)
	if err != nil || claimed.ID != child.ID {
		t.Fatalf("claim child failed: got %v, err %v", claimed, err)
	}

	if err := q.Complete(child.ID, "done"); err != nil {
		t.Fatalf("Complete child failed: %v", err)
	}

	rootAfter, _ = q.store.GetByID(root.ID)
	if rootAfter.Status == StatusCompleted {
		t.Fatal("root should not auto-complete while grandchild is still pending")
	}
}

func TestFailRetryBudget(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Submit("shell", nil, 5, 2, 300, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		claimed, err := q.ClaimNext("w1", nil)
		if err != nil {
			t.Fatalf("ClaimNext #%d failed: %v", i, err)
		}
		if err := q.Fail(claimed.ID, "boom"); err != nil {
			t.Fatalf("Fail #%d failed: %v", i, err)
		}
	}

	t2, err := q.store.GetByID(task.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if t2.Status != StatusPending {
		t.Fatalf("status after 2 fails (max_retries=2) = %s, want pending", t2.Status)
	}
	if t2.Retries != 2 {
		t.Fatalf("retries = %d, want 2", t2.Retries)
	}

	claimed, err := q.ClaimNext("w1", nil)
	if err != nil {
		t.Fatalf("final ClaimNext failed: %v", err)
	}
	if err := q.Fail(claimed.ID, "boom again"); err != nil {
		t.Fatalf("final Fail failed: %v", err)
	}

	t3, _ := q.store.GetByID(task.ID)
	if t3.Status != StatusFailed {
		t.Fatalf("status = %s, want failed (retry budget exhausted)", t3.Status)
	}
	if t3.Retries != 2 {
		t.Fatalf("retries = %d, want 2 (unchanged on terminal failure)", t3.Retries)
	}
}

func TestSetPriorityClamps(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Submit("shell", nil, 5, 3, 300, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	val := 11
	if err := q.SetPriority([]int64{task.ID}, &val, 0, false); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	got, _ := q.store.GetByID(task.ID)
	if got.Priority != 10 {
		t.Fatalf("priority = %d, want clamped to 10", got.Priority)
	}

	val = -1
	if err := q.SetPriority([]int64{task.ID}, &val, 0, false); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	got, _ = q.store.GetByID(task.ID)
	if got.Priority != 0 {
		t.Fatalf("priority = %d, want clamped to 0", got.Priority)
	}
}

func TestSubmitBulkRejectsOverCap(t *testing.T) {
	q := newTestQueue(t)

	items := make([]BulkItem, MaxBulkSubmit+1)
	for i := range items {
		items[i] = BulkItem{TaskType: "shell", Priority: 1, MaxRetries: 1, TimeoutSeconds: 60}
	}

	if _, err := q.SubmitBulk(items); err != ErrInvalidBulkSize {
		t.Fatalf("expected ErrInvalidBulkSize, got %v", err)
	}
}

func TestExpandBatchCreatesStaggeredTasks(t *testing.T) {
	q := newTestQueue(t)

	tpl := &Template{
		Name:            "shell-tpl",
		TaskType:        "shell",
		PayloadTemplate: `{"cmd":"run ${name}"}`,
		DefaultPriority: 4,
	}
	if _, err := q.templates.Create(tpl); err != nil {
		t.Fatalf("template create failed: %v", err)
	}

	items := []map[string]string{{"name": "a"}, {"name": "b"}, {"name": "c"}}
	batch, results, err := q.ExpandBatch(tpl.ID, items, 5)
	if err != nil {
		t.Fatalf("ExpandBatch failed: %v", err)
	}
	if batch.Status != "created" {
		t.Fatalf("batch status = %s, want created", batch.Status)
	}
	if len(results) != 3 {
		t.Fatalf("results len = %d, want 3", len(results))
	}
	if batch.TotalRequested != 3 || batch.CreatedCount != 3 || batch.FailedCount != 0 {
		t.Fatalf("batch counts = %d/%d/%d, want 3/3/0", batch.TotalRequested, batch.CreatedCount, batch.FailedCount)
	}

	tasks, err := q.batches.TasksForBatch(batch.ID)
	if err != nil {
		t.Fatalf("TasksForBatch failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks for batch = %d, want 3", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Payload["_batch_id"] == nil {
			t.Errorf("task %d missing _batch_id in payload", tk.ID)
		}
	}
}

func TestTransitionGuardEnforcesLifecycleEdges(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"claim", StatusPending, StatusRunning, true},
		{"retry release", StatusRunning, StatusPending, true},
		{"retry cancelled", StatusCancelled, StatusPending, true},
		{"convert completed", StatusCompleted, StatusConverted, true},
		{"skip straight to converted", StatusPending, StatusConverted, false},
		{"revive converted", StatusConverted, StatusPending, false},
		{"complete a failed task", StatusFailed, StatusCompleted, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			task := &Task{Status: c.from}
			err := task.TransitionTo(c.to)
			if c.ok && err != nil {
				t.Fatalf("TransitionTo(%s→%s) failed: %v", c.from, c.to, err)
			}
			if !c.ok {
				if !errors.Is(err, ErrStateConflict) {
					t.Fatalf("TransitionTo(%s→%s) = %v, want ErrStateConflict", c.from, c.to, err)
				}
				if task.Status != c.from {
					t.Fatalf("status mutated to %s on rejected transition", task.Status)
				}
			}
		})
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit("shell", nil, 5, 3, 300, nil)

	if err := q.Complete(task.ID, "done"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Complete on pending = %v, want ErrStateConflict", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	q := newTestQueue(t)

	task, _ := q.Submit("shell", nil, 5, 3, 300, nil)
	if err := q.Cancel(task.ID, false); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if err := q.Cancel(task.ID, false); err != nil {
		t.Fatalf("second cancel (no-op) should not error: %v", err)
	}
}

func TestDeleteTaskOrphansChildren(t *testing.T) {
	q := newTestQueue(t)

	root, _ := q.Submit("shell", nil, 5, 3, 300, nil)
	child, _ := q.Submit("shell", nil, 5, 3, 300, &root.ID)

	if err := q.DeleteTask(root.ID, false); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	if _, err := q.store.GetByID(root.ID); err != ErrTaskNotFound {
		t.Fatalf("expected root to be gone, got %v", err)
	}

	childAfter, err := q.store.GetByID(child.ID)
	if err != nil {
		t.Fatalf("GetByID child failed: %v", err)
	}
	if childAfter.ParentID != nil {
		t.Fatalf("child parent_id = %v, want nil", childAfter.ParentID)
	}
	if childAfter.HierarchyLevel != 0 || childAfter.HierarchyPath != "/" {
		t.Fatalf("child not reset to root: level=%d path=%q", childAfter.HierarchyLevel, childAfter.HierarchyPath)
	}
}

func TestDeleteTaskRefusesRunningWithoutForce(t *testing.T) {
	q := newTestQueue(t)

	task, _ := q.Submit("shell", nil, 5, 3, 300, nil)
	if _, err := q.ClaimNext("w1", nil); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := q.DeleteTask(task.ID, false); err != ErrStateConflict {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if err := q.DeleteTask(task.ID, true); err != nil {
		t.Fatalf("forced delete failed: %v", err)
	}
}

func TestReparentMovesSubtreeAndRejectsCycles(t *testing.T) {
	q := newTestQueue(t)

	root, _ := q.Submit("shell", nil, 5, 3, 300, nil)
	mid, _ := q.Submit("shell", nil, 5, 3, 300, &root.ID)
	leaf, _ := q.Submit("shell", nil, 5, 3, 300, &mid.ID)
	otherRoot, _ := q.Submit("shell", nil, 5, 3, 300, nil)

	if err := q.Reparent(mid.ID, &otherRoot.ID); err != nil {
		t.Fatalf("Reparent failed: %v", err)
	}

	midAfter, _ := q.store.GetByID(mid.ID)
	if midAfter.HierarchyLevel != 1 {
		t.Fatalf("mid hierarchy_level = %d, want 1", midAfter.HierarchyLevel)
	}
	leafAfter, _ := q.store.GetByID(leaf.ID)
	if leafAfter.HierarchyLevel != 2 {
		t.Fatalf("leaf hierarchy_level = %d, want 2", leafAfter.HierarchyLevel)
	}
	wantPrefix := midAfter.HierarchyPath
	if len(leafAfter.HierarchyPath) < len(wantPrefix) || leafAfter.HierarchyPath[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("leaf hierarchy_path = %q, want prefix %q", leafAfter.HierarchyPath, wantPrefix)
	}

	rootAfter, _ := q.store.GetByID(root.ID)
	if rootAfter.ChildCount != 0 {
		t.Fatalf("old root child_count = %d, want 0", rootAfter.ChildCount)
	}
	otherRootAfter, _ := q.store.GetByID(otherRoot.ID)
	if otherRootAfter.ChildCount != 1 {
		t.Fatalf("new root child_count = %d, want 1", otherRootAfter.ChildCount)
	}

	if err := q.Reparent(otherRoot.ID, &leaf.ID); err != ErrOwnAncestor {
		t.Fatalf("expected ErrOwnAncestor reparenting otherRoot under its own descendant, got %v", err)
	}
	if err := q.Reparent(root.ID, &root.ID); err != ErrOwnAncestor {
		t.Fatalf("expected ErrOwnAncestor reparenting a task under itself, got %v", err)
	}
}

func TestWorklogTimerLifecycle(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit("shell", nil, 5, 3, 300, nil)

	ws := q.Worklog()
	if _, err := ws.StartTimer(task.ID, "alice", "development", "working"); err != nil {
		t.Fatalf("StartTimer failed: %v", err)
	}
	if _, err := ws.StartTimer(task.ID, "alice", "development", "again"); err != ErrTimerAlreadyOpen {
		t.Fatalf("expected ErrTimerAlreadyOpen, got %v", err)
	}

	entry, err := ws.StopTimer("alice", true, "")
	if err != nil {
		t.Fatalf("StopTimer failed: %v", err)
	}
	if entry.TaskID != task.ID {
		t.Fatalf("worklog task_id = %d, want %d", entry.TaskID, task.ID)
	}

	if _, err := ws.ActiveTimerFor("alice"); err != ErrNoActiveTimer {
		t.Fatalf("expected ErrNoActiveTimer after stop, got %v", err)
	}
}

func TestSetEffortUpdatesOnlyGivenFields(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit("shell", nil, 5, 3, 300, nil)

	est := 4.0
	if err := q.SetEffort(task.ID, &est, nil); err != nil {
		t.Fatalf("SetEffort (estimated only) failed: %v", err)
	}
	after, _ := q.store.GetByID(task.ID)
	if after.EstimatedHours != 4.0 || after.ActualHours != 0 {
		t.Fatalf("got estimated=%v actual=%v, want estimated=4 actual=0", after.EstimatedHours, after.ActualHours)
	}

	act := 2.5
	if err := q.SetEffort(task.ID, nil, &act); err != nil {
		t.Fatalf("SetEffort (actual only) failed: %v", err)
	}
	after, _ = q.store.GetByID(task.ID)
	if after.EstimatedHours != 4.0 || after.ActualHours != 2.5 {
		t.Fatalf("got estimated=%v actual=%v, want estimated=4 actual=2.5 (unset field should be left alone)", after.EstimatedHours, after.ActualHours)
	}
}

func TestEffortRollupWeighsDescendantsByEstimate(t *testing.T) {
	q := newTestQueue(t)

	root, _ := q.Submit("shell", nil, 5, 3, 300, nil)
	childA, _ := q.Submit("shell", nil, 5, 3, 300, &root.ID)
	childB, _ := q.Submit("shell", nil, 5, 3, 300, &root.ID)

	rootEst, childAEst, childBEst := 2.0, 3.0, 5.0
	if err := q.SetEffort(root.ID, &rootEst, nil); err != nil {
		t.Fatalf("SetEffort root failed: %v", err)
	}
	if err := q.SetEffort(childA.ID, &childAEst, nil); err != nil {
		t.Fatalf("SetEffort childA failed: %v", err)
	}
	if err := q.SetEffort(childB.ID, &childBEst, nil); err != nil {
		t.Fatalf("SetEffort childB failed: %v", err)
	}
	// ClaimNext is FIFO by creation order (root, childA, childB); claim twice
	// to reach childA specifically.
	if _, err := q.ClaimNext("w1", nil); err != nil {
		t.Fatalf("claim root failed: %v", err)
	}
	claimedChildA, err := q.ClaimNext("w1", nil)
	if err != nil {
		t.Fatalf("claim childA failed: %v", err)
	}
	if claimedChildA.ID != childA.ID {
		t.Fatalf("claimed task id = %d, want childA id %d", claimedChildA.ID, childA.ID)
	}
	if err := q.Complete(childA.ID, "done"); err != nil {
		t.Fatalf("Complete childA failed: %v", err)
	}

	r, err := q.Worklog().EffortRollup(root.ID)
	if err != nil {
		t.Fatalf("EffortRollup failed: %v", err)
	}
	if !r.HasSubtasks || r.SubtaskCount != 2 {
		t.Fatalf("got has_subtasks=%v subtask_count=%d, want true/2", r.HasSubtasks, r.SubtaskCount)
	}
	if r.RollupEstimatedHours != 10.0 {
		t.Fatalf("rollup_estimated_hours = %v, want 10", r.RollupEstimatedHours)
	}
	// childA's 3h of 10h total estimated is complete -> 0.3 weighted progress.
	if r.RollupProgress != 0.3 {
		t.Fatalf("rollup_progress = %v, want 0.3", r.RollupProgress)
	}
	if r.CompletedSubtasks != 1 {
		t.Fatalf("completed_subtasks = %d, want 1", r.CompletedSubtasks)
	}
}
