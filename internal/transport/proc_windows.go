//go:build windows

package transport

import (
	"os/exec"
	"syscall"
)

// configureProcAttr detaches the child into its own process group.
// Windows has no POSIX process groups; job objects would be the full
// answer, but CREATE_NEW_PROCESS_GROUP covers console-signal isolation.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// SignalGroup terminates the child process. Graceful POSIX signals do
// not translate; callers escalate straight to Kill.
func SignalGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
