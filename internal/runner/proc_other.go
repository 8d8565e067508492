//go:build !unix

package runner

import (
	"os"
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

func terminate(cmd *exec.Cmd, _ os.Signal, grace time.Duration, exited <-chan struct{}) {
	_ = cmd.Process.Signal(os.Interrupt)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		_ = cmd.Process.Kill()
	}
}

func signalExitCode(*os.ProcessState) (int, bool) { return 0, false }
