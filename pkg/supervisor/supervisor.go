package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
	"github.com/core-tools/hsu-brood/pkg/output"
	"github.com/core-tools/hsu-brood/pkg/process"
)

const (
	DefaultGracePeriod = 5 * time.Second

	// killWaitTimeout bounds the wait for a child after SIGKILL.
	killWaitTimeout = 5 * time.Second

	// outputDrainTimeout bounds how long output pipes may stay open after the
	// child exits, e.g. held by a background grandchild.
	outputDrainTimeout = 500 * time.Millisecond
)

type Options struct {
	Spec        command.Spec
	GracePeriod time.Duration

	// BaseEnv is applied before Spec.Env, which wins on conflicts.
	BaseEnv map[string]string
}

// Supervisor owns the lifecycle of one command. At most one child is alive
// at any time, and every transition is published on the bus in order.
type Supervisor struct {
	spec   command.Spec
	policy command.RestartPolicy
	grace  time.Duration
	env    map[string]string
	bus    *events.Bus
	logger logging.Logger

	honourTriggers bool
	triggers       chan *events.WatchTriggered

	stopOnce sync.Once
	stopCh   chan struct{}
	killOnce sync.Once
	killCh   chan struct{}
	done     chan struct{}

	mutex        sync.RWMutex
	state        events.State
	handle       *process.Handle
	pid          int
	instance     string
	restartCount int
	exitRestarts int
	lastExit     *int
	lastErr      error
	startedAt    time.Time
}

func New(opts Options, bus *events.Bus, logger logging.Logger) *Supervisor {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	env := make(map[string]string, len(opts.BaseEnv)+len(opts.Spec.Env))
	for k, v := range opts.BaseEnv {
		env[k] = v
	}
	for k, v := range opts.Spec.Env {
		env[k] = v
	}

	return &Supervisor{
		spec:           opts.Spec,
		policy:         opts.Spec.Restart,
		grace:          grace,
		env:            env,
		bus:            bus,
		logger:         logger,
		honourTriggers: opts.Spec.Watch != nil && opts.Spec.Restart.HonoursTrigger(),
		triggers:       make(chan *events.WatchTriggered, 1),
		stopCh:         make(chan struct{}),
		killCh:         make(chan struct{}),
		done:           make(chan struct{}),
		state:          events.StateIdle,
	}
}

func (s *Supervisor) Name() string {
	return s.spec.Name
}

func (s *Supervisor) Spec() command.Spec {
	return s.spec
}

func (s *Supervisor) State() events.State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

func (s *Supervisor) RestartCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.restartCount
}

// Done is closed when the supervisor reaches Terminal.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// RequestRestart is the watch-trigger entry point. Commands without a watch
// rule or with a policy that ignores triggers refuse it. Requests arriving
// while a restart or stop is already underway are dropped; others are
// coalesced into at most one pending request.
func (s *Supervisor) RequestRestart(ev *events.WatchTriggered) bool {
	if !s.honourTriggers {
		s.logger.Debugf("Ignoring watch trigger, policy: %s, watched: %t", s.policy.Kind, s.spec.Watch != nil)
		return false
	}

	// The state check and the enqueue must not interleave with the drain in
	// enterRestarting.
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.state {
	case events.StateStopping, events.StateStopped, events.StateRestarting, events.StateTerminal:
		s.logger.Debugf("Dropping watch trigger, restart already underway")
		return false
	}
	select {
	case s.triggers <- ev:
	default:
	}
	return true
}

// Stop asks the supervisor to terminate its child and finish. Repeated
// calls have no further effect.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Debugf("Stop requested")
		close(s.stopCh)
	})
}

// ForceKill stops without waiting out the grace period and kills the
// current child right away.
func (s *Supervisor) ForceKill() {
	s.Stop()
	s.killOnce.Do(func() {
		close(s.killCh)
	})

	s.mutex.RLock()
	h := s.handle
	s.mutex.RUnlock()
	if h == nil {
		return
	}
	if alive, err := process.IsRunning(h.PID()); err == nil && !alive {
		s.logger.Debugf("Force kill skipped, PID %d already gone", h.PID())
		return
	}
	if err := h.Kill(); err != nil {
		s.logger.Warnf("Force kill failed, PID: %d, error: %v", h.PID(), err)
	}
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

type outcome int

const (
	outcomeExited outcome = iota
	outcomeStoppedForTrigger
	outcomeStoppedForShutdown
)

// Run drives the state machine until Terminal. Cancelling ctx is the same
// as Stop.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	for {
		if s.stopRequested() {
			s.transition(events.StateTerminal, nil)
			return
		}

		switch s.runOnce() {
		case outcomeStoppedForShutdown:
			s.transition(events.StateTerminal, nil)
			return

		case outcomeStoppedForTrigger:
			s.countRestart(false)

		case outcomeExited:
			if s.stopRequested() {
				s.transition(events.StateTerminal, nil)
				return
			}
			if s.policy.RestartsOnExit(s.exitRestartsSoFar()) {
				s.countRestart(true)
				break
			}
			if !s.honourTriggers || !s.waitForTrigger() {
				s.transition(events.StateTerminal, nil)
				return
			}
			s.countRestart(false)
		}

		if !s.restartDelay() {
			s.transition(events.StateTerminal, nil)
			return
		}
	}
}

// runOnce spawns one child and returns once it is gone.
func (s *Supervisor) runOnce() outcome {
	s.mutex.Lock()
	s.pid = 0
	s.mutex.Unlock()
	s.transition(events.StateStarting, nil)

	instance := uuid.NewString()
	h, err := process.Start(process.ExecutionConfig{
		Command:          s.spec.Command,
		WorkingDirectory: s.spec.Dir,
		Environment:      s.env,
	}, s.spec.Name, s.logger)
	if err != nil {
		s.logger.Errorf("Failed to spawn: %v", err)
		s.finish(events.StateExited, instance, process.SpawnFailureExitCode, err)
		return outcomeExited
	}

	s.mutex.Lock()
	s.handle = h
	s.pid = h.PID()
	s.instance = instance
	s.startedAt = time.Now()
	s.mutex.Unlock()

	s.transition(events.StateRunning, nil)
	s.logger.Infof("Started, PID: %d, instance: %s", h.PID(), instance)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.forward(&readers, h, events.Stdout)
	go s.forward(&readers, h, events.Stderr)

	var triggers <-chan *events.WatchTriggered
	if s.honourTriggers {
		triggers = s.triggers
	}

	result := outcomeExited
	select {
	case <-h.Done():
	case ev := <-triggers:
		s.logger.Infof("Restart requested by change in %s", ev.Path)
		result = outcomeStoppedForTrigger
		s.terminate(h)
	case <-s.stopCh:
		result = outcomeStoppedForShutdown
		s.terminate(h)
	}

	s.drainOutput(&readers, h)

	code := process.SpawnFailureExitCode
	select {
	case <-h.Done():
		code = h.ExitCode()
	default:
	}

	if result == outcomeExited {
		s.logger.Infof("Exited with code %d", code)
		s.finish(events.StateExited, instance, code, h.WaitError())
	} else {
		s.logger.Infof("Stopped with code %d", code)
		s.finish(events.StateStopped, instance, code, nil)
	}
	return result
}

func (s *Supervisor) forward(wg *sync.WaitGroup, h *process.Handle, stream events.Stream) {
	defer wg.Done()

	r := h.Stdout()
	if stream == events.Stderr {
		r = h.Stderr()
	}
	err := output.NewLineSplitter(r, output.MaxLineLength).Each(func(line string) {
		s.bus.Publish(&events.OutputLine{
			Command: s.spec.Name,
			Stream:  stream,
			Text:    line,
			At:      time.Now(),
		})
	})
	if err != nil {
		s.logger.Debugf("Output stream %s closed: %v", stream, err)
	}
}

// drainOutput lets readers reach EOF, then closes pipes still held open by
// descendants so no reader outlives its child.
func (s *Supervisor) drainOutput(readers *sync.WaitGroup, h *process.Handle) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		s.logger.Debugf("Output still open after exit, closing pipes")
		h.CloseOutput()
		<-drained
	}
	h.CloseOutput()
}

// terminate sends SIGTERM, waits up to the grace period, then SIGKILLs.
func (s *Supervisor) terminate(h *process.Handle) {
	s.transition(events.StateStopping, nil)

	pid := h.PID()
	s.logger.Infof("Sending termination signal, PID: %d, grace period: %v", pid, s.grace)
	if err := h.Terminate(); err != nil {
		s.logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()

	select {
	case <-h.Done():
		return
	case <-grace.C:
		s.logger.Warnf("PID %d did not terminate within %v, forcing termination", pid, s.grace)
	case <-s.killCh:
		s.logger.Warnf("Force kill requested, PID: %d", pid)
	}

	if err := h.Kill(); err != nil {
		s.logger.Warnf("Failed to kill, PID: %d, error: %v", pid, err)
	}

	if !h.WaitTimeout(killWaitTimeout) {
		err := errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
		s.logger.Errorf("%v", err)
	}
}

// waitForTrigger parks in Exited until a watch trigger or a stop arrives.
func (s *Supervisor) waitForTrigger() bool {
	s.logger.Infof("Waiting for file changes before restarting")
	select {
	case <-s.triggers:
		return true
	case <-s.stopCh:
		return false
	}
}

// restartDelay is cancellable by Stop. It returns false when stopped.
func (s *Supervisor) restartDelay() bool {
	s.enterRestarting()

	if s.policy.Delay <= 0 {
		return !s.stopRequested()
	}

	s.logger.Debugf("Restarting in %v", s.policy.Delay)
	delay := time.NewTimer(s.policy.Delay)
	defer delay.Stop()

	select {
	case <-delay.C:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Supervisor) exitRestartsSoFar() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.exitRestarts
}

func (s *Supervisor) countRestart(exitDriven bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.restartCount++
	if exitDriven {
		s.exitRestarts++
	}
}

// finish records the child's end and publishes Exited or Stopped. The cause
// is repeated on Terminal if no other run follows.
func (s *Supervisor) finish(state events.State, instance string, code int, cause error) {
	s.mutex.Lock()
	s.handle = nil
	s.instance = instance
	exit := code
	s.lastExit = &exit
	s.lastErr = cause
	s.mutex.Unlock()

	s.transition(state, cause)
}

// enterRestarting moves to Restarting and discards any queued trigger, which
// belongs to the restart now underway.
func (s *Supervisor) enterRestarting() {
	s.mutex.Lock()
	from := s.state
	ev := s.setStateLocked(events.StateRestarting, nil)
	select {
	case <-s.triggers:
	default:
	}
	s.mutex.Unlock()

	s.logger.Debugf("State transition: %s -> %s", from, events.StateRestarting)
	s.bus.Publish(ev)
}

func (s *Supervisor) transition(state events.State, cause error) {
	s.mutex.Lock()
	from := s.state
	ev := s.setStateLocked(state, cause)
	s.mutex.Unlock()

	s.logger.Debugf("State transition: %s -> %s", from, state)
	s.bus.Publish(ev)
}

func (s *Supervisor) setStateLocked(state events.State, cause error) *events.StatusChanged {
	if state == events.StateTerminal && cause == nil {
		cause = s.lastErr
	}
	s.state = state
	ev := &events.StatusChanged{
		Command:      s.spec.Name,
		State:        state,
		Instance:     s.instance,
		PID:          s.pid,
		RestartCount: s.restartCount,
		StartedAt:    s.startedAt,
		Err:          cause,
		At:           time.Now(),
	}
	if s.lastExit != nil && state != events.StateStarting && state != events.StateRunning {
		code := *s.lastExit
		ev.ExitCode = &code
	}
	return ev
}
