//go:build windows

package agent

import "os/exec"

// setProcAttr is a no-op on Windows, which has no POSIX process groups.
// Context cancellation terminates the direct child.
func setProcAttr(cmd *exec.Cmd) {
}

// killProcessGroup is a no-op on Windows.
func killProcessGroup(pid int) error {
	return nil
}
