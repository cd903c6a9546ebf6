// Command eventbridge re-publishes task lifecycle events onto NATS so
// multiple controlplaned processes (or external consumers) can observe the
// same queue activity. Because events.Bus only fans events out to
// in-process subscribers, this runs as a separate process by polling the
// same SQLite-backed event store controlplaned persists to
// (events.SQLiteStore.GetPending), rather than subscribing to a bus of its
// own.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentctl/controlplane/internal/events"
	"github.com/agentctl/controlplane/internal/locking"
	"github.com/agentctl/controlplane/internal/nats"
	"github.com/agentctl/controlplane/internal/storage"
)

// subjectPrefix namespaces every forwarded event, e.g.
// "controlplane.events.task.completed".
const subjectPrefix = "controlplane.events."

func main() {
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL")
	dbPath := flag.String("db", "data/controlplane.db", "path to the control plane sqlite database")
	pollInterval := flag.Duration("poll", 2*time.Second, "interval between pending-event sweeps")
	pidFile := flag.String("pid-file", "data/eventbridge.pid", "PID file guarding against a second bridge instance")
	daemonize := flag.Bool("daemon", false, "detach and run in the background, logging next to the PID file")
	stop := flag.Bool("stop", false, "SIGTERM the running instance recorded in the PID file")
	status := flag.Bool("status", false, "report whether an instance is running and for how long")
	flag.Parse()

	if *stop {
		msg, code := locking.StopByPIDFile(*pidFile)
		fmt.Println(msg)
		os.Exit(code)
	}
	if *status {
		msg, code := locking.StatusByPIDFile(*pidFile)
		fmt.Println(msg)
		os.Exit(code)
	}
	if *daemonize {
		pid, err := locking.SpawnDetached(strings.TrimSuffix(*pidFile, ".pid")+".log", "daemon")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(locking.ExitUsage)
		}
		fmt.Printf("started eventbridge pid %d\n", pid)
		os.Exit(locking.ExitOK)
	}

	lock := locking.NewManager(*pidFile, "eventbridge")
	if err := lock.Acquire(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		os.Exit(locking.ExitAlreadyRun)
	}
	defer lock.Release()

	log.Println("===============================================")
	log.Println("  eventbridge - control plane event forwarder")
	log.Println("===============================================")
	log.Printf("NATS server: %s", *natsURL)
	log.Printf("Database:    %s", *dbPath)

	engine, err := storage.Open(*dbPath, storage.DriverPureGo)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer engine.Close()

	store, err := events.NewSQLiteStore(engine.DB())
	if err != nil {
		log.Fatalf("failed to build event store: %v", err)
	}

	client, err := nats.NewClient(*natsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer client.Close()
	log.Println("[BRIDGE] connected to NATS")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	log.Println("[BRIDGE] forwarding events. Press Ctrl+C to stop.")
	log.Println("===============================================")

	forwarded := 0
	for {
		select {
		case <-sigCh:
			fmt.Printf("[BRIDGE] shutting down, forwarded %d event(s)\n", forwarded)
			return
		case <-ticker.C:
			n, err := sweep(store, client)
			if err != nil {
				log.Printf("[BRIDGE] sweep error: %v", err)
				continue
			}
			forwarded += n
		}
	}
}

// sweep publishes every pending event onto NATS and marks it delivered,
// matching the "subject per event type" convention other forwarders in
// this codebase use.
func sweep(store *events.SQLiteStore, client *nats.Client) (int, error) {
	pending, err := store.GetPending("all", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending events: %w", err)
	}

	delivered := 0
	for _, ev := range pending {
		subject := subjectPrefix + string(ev.Type)
		if err := client.PublishJSON(subject, ev); err != nil {
			log.Printf("[BRIDGE] failed to publish %s: %v", subject, err)
			continue
		}
		if err := store.MarkDelivered(ev.ID); err != nil {
			log.Printf("[BRIDGE] failed to mark %s delivered: %v", ev.ID, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}
