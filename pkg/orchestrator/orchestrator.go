package orchestrator

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
	"github.com/core-tools/hsu-brood/pkg/output"
	"github.com/core-tools/hsu-brood/pkg/resources"
	"github.com/core-tools/hsu-brood/pkg/status"
	"github.com/core-tools/hsu-brood/pkg/supervisor"
)

type FailureMode string

const (
	FailureContinue   FailureMode = "continue"
	FailureKillOthers FailureMode = "kill_others"
)

const (
	DefaultShutdownTimeout = 10 * time.Second

	// forceKillSettle bounds the wait for supervisors after a force kill.
	forceKillSettle = 7 * time.Second
)

type Options struct {
	GracePeriod     time.Duration
	ShutdownTimeout time.Duration
	TickInterval    time.Duration
	FailureMode     FailureMode

	// ChildEnv returns extra environment for a command's children, applied
	// before the command's own overrides. May be nil.
	ChildEnv func(spec command.Spec) map[string]string

	// Sampler defaults to resources.NewSampler.
	Sampler resources.Sampler

	BusSize int
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Orchestrator runs one supervisor per command and drives shutdown. The
// caller must keep draining Lines, Snapshots and Controls while Run is active.
type Orchestrator struct {
	options Options
	specs   []command.Spec
	logger  logging.Logger

	bus  *events.Bus
	mux  *output.Multiplexer
	agg  *status.Aggregator
	ctrl chan *events.Control

	supervisors []*supervisor.Supervisor
	byName      map[string]*supervisor.Supervisor

	killOthersOnce sync.Once
	killOthersCh   chan string

	mutex        sync.RWMutex
	state        State
	shuttingDown bool
}

// New validates the whole command set up front; a FatalConfigurationError
// here means nothing was spawned.
func New(specs []command.Spec, options Options, logger logging.Logger) (*Orchestrator, error) {
	if err := command.Validate(specs); err != nil {
		return nil, err
	}

	if options.GracePeriod <= 0 {
		options.GracePeriod = supervisor.DefaultGracePeriod
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = DefaultShutdownTimeout
	}
	if options.TickInterval <= 0 {
		options.TickInterval = status.DefaultTickInterval
	}
	switch options.FailureMode {
	case "":
		options.FailureMode = FailureContinue
	case FailureContinue, FailureKillOthers:
	default:
		return nil, errors.NewValidationError("unknown failure mode: "+string(options.FailureMode), nil)
	}
	if options.Sampler == nil {
		options.Sampler = resources.NewSampler(logger)
	}

	names := make([]string, 0, len(specs)*2)
	for _, spec := range specs {
		names = append(names, spec.Name)
		if spec.Shutdown != "" {
			names = append(names, spec.ShutdownSpec().Name)
		}
	}

	o := &Orchestrator{
		options:      options,
		specs:        specs,
		logger:       logger,
		bus:          events.NewBus(options.BusSize),
		mux:          output.NewMultiplexer(names, output.DefaultLinesBuffer, logger),
		agg:          status.NewAggregator(specs, options.TickInterval, options.Sampler, logger),
		ctrl:         make(chan *events.Control, 64),
		byName:       make(map[string]*supervisor.Supervisor, len(specs)),
		killOthersCh: make(chan string, 1),
		state:        StateIdle,
	}
	return o, nil
}

// Lines carries every output line, closed when Run returns.
func (o *Orchestrator) Lines() <-chan *events.OutputLine {
	return o.mux.Lines()
}

// Snapshots carries the newest status set each tick, closed after the final set.
func (o *Orchestrator) Snapshots() <-chan []status.Snapshot {
	return o.agg.Snapshots()
}

// Controls carries orchestrator notifications, closed when Run returns.
func (o *Orchestrator) Controls() <-chan *events.Control {
	return o.ctrl
}

// FinalSnapshots blocks until Run has finished and returns the last status set.
func (o *Orchestrator) FinalSnapshots() []status.Snapshot {
	return o.agg.Final()
}

func (o *Orchestrator) State() State {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.logger.Debugf("Orchestrator state: %s -> %s", o.state, state)
	o.state = state
}

func (o *Orchestrator) beginShutdown() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.shuttingDown {
		return false
	}
	o.shuttingDown = true
	return true
}

func (o *Orchestrator) isShuttingDown() bool {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.shuttingDown
}

func (o *Orchestrator) childEnv(spec command.Spec) map[string]string {
	if o.options.ChildEnv == nil {
		return nil
	}
	return o.options.ChildEnv(spec)
}

// emit hands a control event to the renderer. Controls are informational,
// so a full channel drops them instead of stalling dispatch.
func (o *Orchestrator) emit(ev *events.Control) {
	select {
	case o.ctrl <- ev:
	default:
		o.logger.Warnf("Control channel full, dropping: %s %s", ev.Signal, ev.Message)
	}
}

func (o *Orchestrator) control(signal events.ControlSignal, commandName, message string) {
	o.bus.Publish(&events.Control{
		Command: commandName,
		Signal:  signal,
		Message: message,
		At:      time.Now(),
	})
}
