//go:build windows

package locking

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// IsProcessRunning checks whether pid refers to a live process.
func IsProcessRunning(pid int) (bool, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, nil
	}
	defer windows.CloseHandle(handle)
	return true, nil
}

// KillProcess forcefully terminates a process.
func KillProcess(pid int) error {
	cmd := exec.Command("taskkill", "/F", "/PID", fmt.Sprintf("%d", pid))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to kill process %d: %w (output: %s)", pid, err, string(output))
	}
	return nil
}

// TerminateProcess has no graceful signal on Windows; taskkill without /F
// asks the process to close.
func TerminateProcess(pid int) error {
	cmd := exec.Command("taskkill", "/PID", fmt.Sprintf("%d", pid))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to terminate process %d: %w (output: %s)", pid, err, string(output))
	}
	return nil
}

// detachSysProcAttr has no session concept to detach from on Windows; the
// spawned process simply outlives the console.
func detachSysProcAttr() *syscall.SysProcAttr {
	return nil
}
