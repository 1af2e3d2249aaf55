//go:build unix

package instances

import (
	"os"
	"syscall"
)

// pidAlive reports whether a process with the pid exists. Signal 0
// performs the permission and existence checks without delivering
// anything.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
