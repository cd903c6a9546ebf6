package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentctl/controlplane/internal/dispatcher"
	"github.com/agentctl/controlplane/internal/events"
	"github.com/agentctl/controlplane/internal/httpapi"
	"github.com/agentctl/controlplane/internal/locking"
	"github.com/agentctl/controlplane/internal/notifications"
	"github.com/agentctl/controlplane/internal/notifications/external"
	"github.com/agentctl/controlplane/internal/queue"
	"github.com/agentctl/controlplane/internal/regions"
	"github.com/agentctl/controlplane/internal/responder"
	"github.com/agentctl/controlplane/internal/rollback"
	"github.com/agentctl/controlplane/internal/storage"
	"github.com/agentctl/controlplane/internal/webhooks"
)

func main() {
	port := flag.Int("port", 8090, "HTTP API port")
	dataDir := flag.String("data", "data", "directory holding the sqlite database, snapshots, and lock files")
	topologyPath := flag.String("topology", "configs/regions.yaml", "region/node topology YAML file")
	driver := flag.String("driver", string(storage.DriverPureGo), "sqlite driver: sqlite (pure-Go) or sqlite3 (cgo)")
	healthURL := flag.String("health-url", "", "external health endpoint; N consecutive failures auto-restore the latest snapshot (empty disables)")
	healthInterval := flag.Duration("health-interval", 30*time.Second, "health poll interval")
	healthThreshold := flag.Int("health-threshold", 3, "consecutive failures before an automatic restore")
	daemonize := flag.Bool("daemon", false, "detach and run in the background, logging to <data>/controlplaned.log")
	stop := flag.Bool("stop", false, "SIGTERM the running instance recorded in the PID file")
	status := flag.Bool("status", false, "report whether an instance is running and for how long")
	flag.Parse()

	pidPath := filepath.Join(*dataDir, "controlplaned.pid")

	if *stop {
		msg, code := locking.StopByPIDFile(pidPath)
		fmt.Println(msg)
		os.Exit(code)
	}
	if *status {
		msg, code := locking.StatusByPIDFile(pidPath)
		fmt.Println(msg)
		os.Exit(code)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(locking.ExitUsage)
	}

	if *daemonize {
		pid, err := locking.SpawnDetached(filepath.Join(*dataDir, "controlplaned.log"), "daemon")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(locking.ExitUsage)
		}
		fmt.Printf("started controlplaned pid %d\n", pid)
		os.Exit(locking.ExitOK)
	}

	lock := locking.NewManager(pidPath, "controlplaned")
	if err := lock.Acquire(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		os.Exit(locking.ExitAlreadyRun)
	}
	defer lock.Release()

	dbPath := filepath.Join(*dataDir, "controlplane.db")
	engine, err := storage.Open(dbPath, storage.Driver(*driver))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	eventStore, err := events.NewSQLiteStore(engine.DB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build event store: %v\n", err)
		os.Exit(1)
	}
	bus := events.NewBus(eventStore)
	archiveLock := locking.NewManager(filepath.Join(*dataDir, "archive.pid"), "archive-writer")
	q := queue.New(engine, bus, archiveLock)

	if t, err := regions.LoadTopology(*topologyPath); err != nil {
		log.Printf("[MAIN] no region topology loaded from %s: %v", *topologyPath, err)
	} else if err := regions.NewStore(engine.DB()).Sync(t); err != nil {
		log.Printf("[MAIN] failed to sync region topology: %v", err)
	}

	d := dispatcher.New(q, dispatcher.DefaultConfig())

	responderLock := locking.NewManager(filepath.Join(*dataDir, "responder.pid"), "responder")
	responderStore := responder.NewStore(engine.DB())
	resp := responder.New(responderStore, bus, responderLock, responder.DefaultConfig())
	resp.SetAlertManager(notifications.NewDefaultManager())

	watcherStore := notifications.NewWatcherStore(engine.DB())
	notifyRouter := notifications.NewRouter(nil)
	watcherService := notifications.NewWatcherService(watcherStore, notifyRouter, log.Default())

	webhookStore := webhooks.NewStore(engine.DB())
	webhookDispatcher := webhooks.NewDispatcher(webhookStore)

	rb := rollback.NewManager(engine.DB(), dbPath, ".", filepath.Join(*dataDir, "snapshots"))

	hub := httpapi.NewHub()
	notifyRouter.AddChannel(httpapi.NewDashboardChannel(hub))
	if url := os.Getenv("CONTROLPLANE_SLACK_WEBHOOK"); url != "" {
		notifyRouter.AddChannel(external.NewSlackNotifier(external.SlackConfig{WebhookURL: url}))
		log.Printf("[MAIN] Slack notification channel enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	httpapi.BridgeEvents(bus, hub)
	go watcherService.Run(ctx, bus)
	go webhookDispatcher.Run(ctx, bus)
	go runDispatchLoop(ctx, d, dispatcher.DefaultConfig().TickInterval)
	go runSessionPollLoop(ctx, d, dispatcher.DefaultConfig().TickInterval)
	go runMaintenanceLoops(ctx, q, responderStore, eventStore)
	if *healthURL != "" {
		monitor := rollback.NewHealthMonitor(rb, *healthURL, *healthInterval, *healthThreshold)
		go monitor.Run(ctx)
		log.Printf("[MAIN] health monitor watching %s (threshold %d)", *healthURL, *healthThreshold)
	}

	go func() {
		if err := resp.Run(ctx); err != nil {
			log.Printf("[MAIN] responder stopped: %v", err)
		}
	}()

	api := httpapi.New(q, hub, watcherService, watcherStore, webhookStore, webhookDispatcher, rb, httpapi.Config{}, log.Default())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: api.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	log.Printf("[MAIN] controlplaned listening on :%d", *port)

	shutdownSig := make(chan os.Signal, 1)
	signal.Notify(shutdownSig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[MAIN] HTTP server error: %v", err)
		}
	case sig := <-shutdownSig:
		log.Printf("[MAIN] shutting down (signal %v)", sig)
	}

	d.Shutdown.RequestShutdown("process shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] HTTP shutdown error: %v", err)
	}

	log.Println("[MAIN] goodbye")
}

// runDispatchLoop drives ClaimAndDispatch on a fixed cadence until ctx is
// cancelled.
func runDispatchLoop(ctx context.Context, d *dispatcher.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ClaimAndDispatch(ctx); err != nil && !errors.Is(err, queue.ErrQueueEmpty) {
				log.Printf("[MAIN] dispatch tick error: %v", err)
			}
		}
	}
}

// runSessionPollLoop samples session activity on the dispatcher's tick
// interval, feeding the idle/busy counters that drive fallback prompts.
func runSessionPollLoop(ctx context.Context, d *dispatcher.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.PollSessions(ctx)
		}
	}
}

// runMaintenanceLoops houses the slow background sweeps: expired-lease
// reaping, terminal-task archival, responder pattern-change detection, and
// delivered-event cleanup.
func runMaintenanceLoops(ctx context.Context, q *queue.Queue, patterns *responder.Store, eventStore *events.SQLiteStore) {
	reap := time.NewTicker(30 * time.Second)
	defer reap.Stop()
	archive := time.NewTicker(6 * time.Hour)
	defer archive.Stop()
	learn := time.NewTicker(time.Hour)
	defer learn.Stop()
	cleanup := time.NewTicker(12 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			if n, err := q.ReaperSweep(); err != nil {
				log.Printf("[MAIN] lease reaper error: %v", err)
			} else if n > 0 {
				log.Printf("[MAIN] reaped %d expired lease(s)", n)
			}
		case <-archive.C:
			if n, err := q.ArchiveTerminal(7 * 24 * time.Hour); err != nil {
				log.Printf("[MAIN] archive sweep error: %v", err)
			} else if n > 0 {
				log.Printf("[MAIN] archived %d terminal task(s)", n)
			}
		case <-learn.C:
			changes, err := responder.DetectChanges(patterns)
			if err != nil {
				log.Printf("[MAIN] pattern change detection error: %v", err)
			} else if len(changes) > 0 {
				log.Printf("[MAIN] recorded %d pattern change(s)", len(changes))
			}
		case <-cleanup.C:
			if err := eventStore.Cleanup(7 * 24 * time.Hour); err != nil {
				log.Printf("[MAIN] event cleanup error: %v", err)
			}
		}
	}
}
