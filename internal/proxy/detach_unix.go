//go:build unix

package proxy

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the spawned daemon in its own session so it
// survives the proxy exiting.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
