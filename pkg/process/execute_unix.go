//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const shellPath = "/bin/sh"

func shellArgs(command string) []string {
	return []string{"-c", command}
}

// setupProcessAttributes puts the child in a new process group that we can signal as a whole
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func exitCodeOf(state *os.ProcessState, err error) int {
	if state == nil {
		return SpawnFailureExitCode
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// sendTerminationSignal sends SIGTERM to the process group (negative PID)
func sendTerminationSignal(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

func sendKillSignal(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}

func signalGroup(proc *os.Process, sig unix.Signal) error {
	err := unix.Kill(-proc.Pid, sig)
	if err == unix.ESRCH {
		// Group leader already reaped; fall back to the process itself.
		err = proc.Signal(sig)
		if err == os.ErrProcessDone {
			return nil
		}
	}
	return err
}
