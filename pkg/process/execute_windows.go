//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const shellPath = "cmd.exe"

func shellArgs(command string) []string {
	return []string{"/C", command}
}

// setupProcessAttributes isolates children in their own process group
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func exitCodeOf(state *os.ProcessState, err error) int {
	if state == nil {
		return SpawnFailureExitCode
	}
	return state.ExitCode()
}

// Console children get no graceful signal here; both paths kill.
func sendTerminationSignal(proc *os.Process) error {
	return sendKillSignal(proc)
}

func sendKillSignal(proc *os.Process) error {
	err := proc.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
