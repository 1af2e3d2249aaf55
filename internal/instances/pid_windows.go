//go:build windows

package instances

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

// pidAlive opens the process handle and checks its exit code; a pid
// that was recycled into a finished process reads as dead.
func pidAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == stillActive
}
