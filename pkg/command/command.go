package command

import (
	"time"
)

// RestartKind selects when a supervisor relaunches its child.
type RestartKind string

const (
	RestartNever  RestartKind = "never"
	RestartOnExit RestartKind = "on_exit"
	RestartAlways RestartKind = "always"
)

// RestartPolicy is immutable once the Spec is built.
type RestartPolicy struct {
	Kind RestartKind

	// Delay is waited before every relaunch (exit or trigger driven).
	Delay time.Duration

	// MaxRestarts caps exit-driven restarts; nil means unbounded.
	MaxRestarts *int

	// RestartOnTrigger lets an OnExit command honour watch triggers.
	// Always honours them unconditionally, Never ignores them.
	RestartOnTrigger bool
}

// Never builds a policy that never relaunches.
func Never() RestartPolicy {
	return RestartPolicy{Kind: RestartNever}
}

// OnExit builds an exit-driven policy. maxRestarts < 0 means unbounded.
func OnExit(delay time.Duration, maxRestarts int) RestartPolicy {
	return RestartPolicy{Kind: RestartOnExit, Delay: delay, MaxRestarts: capOf(maxRestarts)}
}

// Always builds a policy that relaunches on exit and on every watch trigger.
func Always(delay time.Duration, maxRestarts int) RestartPolicy {
	return RestartPolicy{Kind: RestartAlways, Delay: delay, MaxRestarts: capOf(maxRestarts)}
}

func capOf(n int) *int {
	if n < 0 {
		return nil
	}
	return &n
}

// RestartsOnExit reports whether an exit may be followed by a relaunch,
// given how many exit-driven restarts already happened.
func (p RestartPolicy) RestartsOnExit(exitRestarts int) bool {
	if p.Kind != RestartOnExit && p.Kind != RestartAlways {
		return false
	}
	return p.MaxRestarts == nil || exitRestarts < *p.MaxRestarts
}

// HonoursTrigger reports whether watch triggers may restart the command.
// Triggers are user-initiated and are not limited by MaxRestarts.
func (p RestartPolicy) HonoursTrigger() bool {
	switch p.Kind {
	case RestartAlways:
		return true
	case RestartOnExit:
		return p.RestartOnTrigger
	default:
		return false
	}
}

// PathMatcher decides whether a changed path should be ignored.
type PathMatcher func(path string) bool

// WatchRule describes which filesystem changes request a restart.
type WatchRule struct {
	Paths    []string
	Ignore   PathMatcher // nil ignores nothing
	Debounce time.Duration
}

// Spec is one configured command. It is created once at startup and never mutated.
type Spec struct {
	Name    string // unique identity, also the default prefix
	Command string // shell command line
	Dir     string
	Env     map[string]string
	Prefix  string

	PrefixStyle  string
	MessageStyle string

	Restart RestartPolicy
	Watch   *WatchRule

	// Shutdown is run once, after every supervisor is terminal, during shutdown.
	Shutdown string
}

// DisplayPrefix is the text shown in front of every output line.
func (s Spec) DisplayPrefix() string {
	if s.Prefix != "" {
		return s.Prefix
	}
	return s.Name
}

// ShutdownSpec derives the one-shot spec that runs the shutdown command.
func (s Spec) ShutdownSpec() Spec {
	return Spec{
		Name:         s.Name + ":shutdown",
		Command:      s.Shutdown,
		Dir:          s.Dir,
		Env:          s.Env,
		Prefix:       s.DisplayPrefix(),
		PrefixStyle:  s.PrefixStyle,
		MessageStyle: s.MessageStyle,
		Restart:      Never(),
	}
}
