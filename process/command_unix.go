//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// resolveCommand returns the command line to execute. Dispatchers run directly on Unix.
func resolveCommand(command string, args []string, dispatcher bool) (string, []string) {
	return command, args
}

// setProcAttr starts the child as the leader of a new process group, so the group can be killed as a unit.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup kills every process still in the group led by pid, including descendants that outlived the leader.
func killGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", pid, err)
	}
	return nil
}
