// Command queuectl is a direct queue/storage admin CLI: a single-action
// flag dispatch over task-queue and rollback operations.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agentctl/controlplane/internal/events"
	"github.com/agentctl/controlplane/internal/queue"
	"github.com/agentctl/controlplane/internal/rollback"
	"github.com/agentctl/controlplane/internal/storage"
)

func main() {
	dbPath := flag.String("db", "data/controlplane.db", "path to the control plane sqlite database")
	action := flag.String("action", "", "list, get, retry-failed, archive, reap, snapshot, snapshots, restore, prune")
	status := flag.String("status", "pending", "task status filter for -action list")
	taskID := flag.Int64("task", 0, "task id for -action get/retry-failed (restore takes a snapshot id via -snapshot)")
	snapshotID := flag.String("snapshot", "", "snapshot id for -action restore")
	description := flag.String("description", "", "description for -action snapshot")
	keep := flag.Int("keep", 10, "snapshots to keep for -action prune")
	olderThan := flag.Duration("older-than", 24*time.Hour, "age threshold for -action archive")
	repoPath := flag.String("repo", ".", "git repository path for snapshot metadata")
	snapshotDir := flag.String("snapshot-dir", "data/snapshots", "directory snapshots are written to")
	jsonOutput := flag.Bool("json", false, "emit JSON instead of text")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: queuectl -db <path> -action <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: list, get, retry-failed, archive, reap, snapshot, snapshots, restore, prune")
		os.Exit(1)
	}

	engine, err := storage.Open(*dbPath, storage.DriverPureGo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	q := queue.New(engine, events.NewBus(nil), nil)

	switch *action {
	case "list":
		tasks, err := q.Store().GetByStatus(queue.Status(*status))
		fail(err)
		emit(*jsonOutput, tasks, func() {
			for _, t := range tasks {
				fmt.Printf("%d\t%s\t%s\tpriority=%d\n", t.ID, t.TaskType, t.Status, t.Priority)
			}
		})

	case "get":
		if *taskID == 0 {
			fmt.Fprintln(os.Stderr, "-task is required")
			os.Exit(1)
		}
		t, err := q.Store().GetByID(*taskID)
		fail(err)
		emit(*jsonOutput, t, func() {
			fmt.Printf("%d\t%s\t%s\tpriority=%d\tretries=%d/%d\n", t.ID, t.TaskType, t.Status, t.Priority, t.Retries, t.MaxRetries)
		})

	case "retry-failed":
		ids := []int64{}
		if *taskID != 0 {
			ids = []int64{*taskID}
		} else {
			failed, err := q.Store().GetByStatus(queue.StatusFailed)
			fail(err)
			for _, t := range failed {
				ids = append(ids, t.ID)
			}
		}
		fail(q.RetryFailed(ids, false))
		fmt.Printf("retried %d task(s)\n", len(ids))

	case "archive":
		n, err := q.ArchiveTerminal(*olderThan)
		fail(err)
		fmt.Printf("archived %d task(s)\n", n)

	case "reap":
		n, err := q.ReaperSweep()
		fail(err)
		fmt.Printf("reaped %d stale lease(s)\n", n)

	case "snapshot":
		rb := rollback.NewManager(engine.DB(), *dbPath, *repoPath, *snapshotDir)
		snap, err := rb.Create(*description)
		fail(err)
		emit(*jsonOutput, snap, func() {
			fmt.Printf("created snapshot %s (%s)\n", snap.ID, snap.CreatedAt.Format(time.RFC3339))
		})

	case "snapshots":
		rb := rollback.NewManager(engine.DB(), *dbPath, *repoPath, *snapshotDir)
		snaps, err := rb.List()
		fail(err)
		emit(*jsonOutput, snaps, func() {
			for _, s := range snaps {
				fmt.Printf("%s\t%s\t%s\n", s.ID, s.CreatedAt.Format(time.RFC3339), s.Description)
			}
		})

	case "restore":
		if *snapshotID == "" {
			fmt.Fprintln(os.Stderr, "-snapshot is required")
			os.Exit(1)
		}
		rb := rollback.NewManager(engine.DB(), *dbPath, *repoPath, *snapshotDir)
		fail(rb.Restore(*snapshotID))
		fmt.Printf("restored snapshot %s\n", *snapshotID)

	case "prune":
		rb := rollback.NewManager(engine.DB(), *dbPath, *repoPath, *snapshotDir)
		removed, err := rb.Prune(*keep)
		fail(err)
		fmt.Printf("pruned %d snapshot(s), kept %d\n", removed, *keep)

	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func emit(asJSON bool, v interface{}, text func()) {
	if asJSON {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	text()
}
