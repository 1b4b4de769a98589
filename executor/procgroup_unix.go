//go:build unix

package executor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command as a group leader and makes context
// cancellation kill the whole group, so children of the shell die too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			if err == syscall.ESRCH {
				return os.ErrProcessDone
			}
			return err
		}
		return nil
	}
}
