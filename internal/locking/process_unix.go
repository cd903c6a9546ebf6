//go:build !windows

package locking

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsProcessRunning checks whether pid refers to a live process by sending
// the null signal, the POSIX idiom for process-liveness probing without
// actually signalling the process.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if err == unix.ESRCH {
		return false, nil
	}
	if err == unix.EPERM {
		// Process exists but is owned by another user.
		return true, nil
	}
	return false, err
}

// KillProcess forcefully terminates a process.
func KillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// TerminateProcess asks a process to shut down gracefully (SIGTERM).
func TerminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(unix.SIGTERM)
}

// detachSysProcAttr puts a re-exec'd daemon in its own session so it
// survives the spawning terminal closing.
func detachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
