//go:build unix

package runner

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate signals the process group (SIGTERM unless stop says otherwise) and
// escalates to SIGKILL when the process has not exited within grace.
func terminate(cmd *exec.Cmd, stop os.Signal, grace time.Duration, exited <-chan struct{}) {
	pid := cmd.Process.Pid
	sig := syscall.SIGTERM
	if s, ok := stop.(syscall.Signal); ok && s != 0 {
		sig = s
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// signalExitCode maps death by signal to the shell convention 128+signal.
func signalExitCode(state *os.ProcessState) (int, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return 128 + int(ws.Signal()), true
}
