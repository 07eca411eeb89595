package events

import (
	"time"
)

// State is the lifecycle state of one supervisor.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateRestarting State = "restarting"
	StateTerminal   State = "terminal"
)

// HasProcess reports whether a child may be alive in this state.
func (s State) HasProcess() bool {
	return s == StateRunning || s == StateStopping
}

// Stream identifies which pipe an output line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ControlSignal names an orchestrator-level notification.
type ControlSignal string

const (
	ControlShutdownRequested ControlSignal = "shutdown_requested"
	ControlForceKill         ControlSignal = "force_kill"
	ControlKillOthers        ControlSignal = "kill_others"
	ControlShutdownTimeout   ControlSignal = "shutdown_timeout"
	ControlWatchFailure      ControlSignal = "watch_failure"
	ControlShutdownCommands  ControlSignal = "shutdown_commands"
)

// Event is the closed set of notifications carried by the Bus:
// *StatusChanged, *OutputLine, *WatchTriggered and *Control.
type Event interface {
	// CommandName is the command the event is attributed to; empty for
	// orchestrator-wide control events.
	CommandName() string
	isEvent()
}

// StatusChanged is published on every supervisor transition.
type StatusChanged struct {
	Command      string
	State        State
	Instance     string // id of the spawned child, empty when none
	PID          int
	ExitCode     *int
	RestartCount int
	StartedAt    time.Time
	Err          error
	At           time.Time
}

// OutputLine is one complete line of child output.
type OutputLine struct {
	Command string
	Stream  Stream
	Text    string
	Seq     uint64 // assigned by the multiplexer, monotonic per command
	At      time.Time
}

// WatchTriggered asks the owning supervisor to restart.
type WatchTriggered struct {
	Command string
	Path    string
	Changes int // number of coalesced filesystem events
	At      time.Time
}

// Control is an orchestrator notification meant for the renderer.
type Control struct {
	Command string
	Signal  ControlSignal
	Message string
	At      time.Time
}

func (e *StatusChanged) CommandName() string  { return e.Command }
func (e *OutputLine) CommandName() string     { return e.Command }
func (e *WatchTriggered) CommandName() string { return e.Command }
func (e *Control) CommandName() string        { return e.Command }

func (*StatusChanged) isEvent()  {}
func (*OutputLine) isEvent()     {}
func (*WatchTriggered) isEvent() {}
func (*Control) isEvent()        {}
