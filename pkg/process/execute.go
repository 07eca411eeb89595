package process

import (
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/logging"
)

// SpawnFailureExitCode is recorded when a child could not be created at all.
const SpawnFailureExitCode = 127

type ExecutionConfig struct {
	Command          string            // shell command line
	WorkingDirectory string            // empty inherits the runner's directory
	Environment      map[string]string // overrides on top of the inherited environment
}

// Handle owns one spawned child and the read ends of its output pipes.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// Start launches the command through the shell with separate stdout and stderr
// pipes. The child gets its own process group so signals reach its whole tree.
func Start(execution ExecutionConfig, id string, logger logging.Logger) (*Handle, error) {
	if err := ValidateExecutionConfig(execution); err != nil {
		return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.NewSpawnError("failed to create stdout pipe", err).WithContext("id", id)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errors.NewSpawnError("failed to create stderr pipe", err).WithContext("id", id)
	}

	cmd := exec.Command(shellPath, shellArgs(execution.Command)...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = MergeEnv(os.Environ(), execution.Environment)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	setupProcessAttributes(cmd)

	logger.Debugf("Executing process, id: %s, command: %q, dir: %q", id, execution.Command, execution.WorkingDirectory)

	err = cmd.Start()

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, errors.NewSpawnError("failed to start the process", err).
			WithContext("id", id).
			WithContext("command", execution.Command)
	}

	h := &Handle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}

	go h.wait()

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, h.pid)

	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitCode = exitCodeOf(h.cmd.ProcessState, err)
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			h.waitErr = err
		}
	}
	close(h.done)
}

func (h *Handle) PID() int {
	return h.pid
}

func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

func (h *Handle) Stderr() io.Reader {
	return h.stderr
}

// Done is closed once the child has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is valid after Done is closed. A child killed by signal N reports -N.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// WaitError reports a failure of the wait itself, not a non-zero exit.
func (h *Handle) WaitError() error {
	<-h.done
	return h.waitErr
}

// Terminate asks the child's process group to exit.
func (h *Handle) Terminate() error {
	return sendTerminationSignal(h.cmd.Process)
}

// Kill force-kills the child's process group.
func (h *Handle) Kill() error {
	return sendKillSignal(h.cmd.Process)
}

// CloseOutput closes the read ends of both pipes, unblocking readers that
// would otherwise wait on descendants still holding the write ends.
func (h *Handle) CloseOutput() {
	h.closeOnce.Do(func() {
		h.stdout.Close()
		h.stderr.Close()
	})
}

// WaitTimeout waits for the child to exit for at most timeout.
func (h *Handle) WaitTimeout(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// MergeEnv applies overrides to base. Overridden keys keep a single entry.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, overridden := overrides[key]; overridden {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
