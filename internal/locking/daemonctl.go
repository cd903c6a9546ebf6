package locking

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Exit codes shared by the long-running commands' -daemon/-stop/-status
// control flags.
const (
	ExitOK           = 0
	ExitUsage        = 1
	ExitAlreadyRun   = 2
	ExitStaleCleanup = 3
)

// StopByPIDFile SIGTERMs the process recorded at path. A dead holder's file
// is removed and reported with ExitStaleCleanup so callers can distinguish
// "stopped it" from "it was already gone."
func StopByPIDFile(path string) (string, int) {
	info, err := ReadInfo(path)
	if err != nil {
		return fmt.Sprintf("no running instance: %v", err), ExitUsage
	}

	running, err := IsProcessRunning(info.PID)
	if err != nil {
		return fmt.Sprintf("failed to probe pid %d: %v", info.PID, err), ExitUsage
	}
	if !running {
		os.Remove(path)
		return fmt.Sprintf("stale PID file for pid %d removed", info.PID), ExitStaleCleanup
	}

	if err := TerminateProcess(info.PID); err != nil {
		return fmt.Sprintf("failed to signal pid %d: %v", info.PID, err), ExitUsage
	}
	return fmt.Sprintf("sent SIGTERM to pid %d", info.PID), ExitOK
}

// StatusByPIDFile reports whether a live process holds the PID file at
// path, and its uptime if so.
func StatusByPIDFile(path string) (string, int) {
	info, err := ReadInfo(path)
	if err != nil {
		return "not running", ExitOK
	}
	running, _ := IsProcessRunning(info.PID)
	if !running {
		return fmt.Sprintf("not running (stale PID file, pid %d)", info.PID), ExitStaleCleanup
	}
	return fmt.Sprintf("running: pid %d, up %s (since %s)",
		info.PID, time.Since(info.StartedAt).Round(time.Second), info.StartedAt.Format(time.RFC3339)), ExitOK
}

// SpawnDetached re-execs the current binary with dropFlag filtered out of
// its arguments, detached from the controlling terminal, appending output
// to logPath.
func SpawnDetached(logPath, dropFlag string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "-"+dropFlag || a == "--"+dropFlag {
			continue
		}
		args = append(args, a)
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachSysProcAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	return cmd.Process.Pid, nil
}
