//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// resolveCommand wraps dispatchers in cmd /c: they are .cmd shims, which cannot be executed directly
// without shell execution, and shell execution would prevent capturing stdio.
func resolveCommand(command string, args []string, dispatcher bool) (string, []string) {
	if !dispatcher {
		return command, args
	}
	return "cmd", append([]string{"/c", command}, args...)
}

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killGroup is a no-op on Windows, where the tree snapshot is the only way to find descendants.
func killGroup(pid int) error {
	return nil
}
