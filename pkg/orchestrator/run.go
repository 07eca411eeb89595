package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
	"github.com/core-tools/hsu-brood/pkg/supervisor"
	"github.com/core-tools/hsu-brood/pkg/watch"
)

// Run starts every command and blocks until the run is over: either every
// supervisor became terminal on its own, or a signal, ctx cancellation or a
// kill_others failure started the shutdown protocol. A second signal during
// shutdown force-kills everything. Child failures never make Run fail.
func (o *Orchestrator) Run(ctx context.Context, signals <-chan os.Signal) error {
	if o.State() != StateIdle {
		return errors.NewInternalError("orchestrator can only run once", nil)
	}
	o.setState(StateRunning)

	aggCtx, aggCancel := context.WithCancel(context.Background())
	defer aggCancel()
	go o.agg.Run(aggCtx)

	triggers := o.prepare()

	dispatched := make(chan struct{})
	go o.dispatch(dispatched)

	for _, t := range triggers {
		t.Start()
	}

	o.logger.Infof("Starting %d commands", len(o.supervisors))
	allDone := o.launch(o.supervisors)

	select {
	case <-allDone:
		o.logger.Infof("All commands finished")
	case sig := <-signals:
		o.logger.Infof("Received signal: %v, shutting down", sig)
		o.control(events.ControlShutdownRequested, "", fmt.Sprintf("received %v, stopping all commands", sig))
	case <-ctx.Done():
		o.logger.Infof("Context done, shutting down")
		o.control(events.ControlShutdownRequested, "", "stopping all commands")
	case name := <-o.killOthersCh:
		o.logger.Warnf("Command %s failed, stopping the others", name)
	}

	// The shutdown timeout starts now and also covers shutdown commands.
	deadline := time.Now().Add(o.options.ShutdownTimeout)
	o.beginShutdown()
	o.setState(StateStopping)

	for _, t := range triggers {
		if err := t.Close(); err != nil {
			o.logger.Warnf("Failed to close watcher: %v", err)
		}
	}

	for _, s := range o.supervisors {
		s.Stop()
	}
	forced := o.await(o.supervisors, allDone, signals, deadline)

	if forced {
		o.logger.Warnf("Skipping shutdown commands after force kill")
	} else {
		o.runShutdownCommands(signals, deadline)
	}

	o.teardown(dispatched)
	o.setState(StateStopped)
	o.logger.Infof("All commands stopped")
	return nil
}

// prepare builds every supervisor and its trigger. A watch that cannot be
// established turns the command into a never-restarting one.
func (o *Orchestrator) prepare() []*watch.Trigger {
	var triggers []*watch.Trigger

	for _, spec := range o.specs {
		logger := commandLogger(o.logger, spec.Name)

		if spec.Watch != nil {
			t, err := watch.NewTrigger(spec.Name, *spec.Watch, o.bus, logger)
			if err != nil {
				logger.Warnf("Watch disabled, automatic restarts turned off: %v", err)
				o.control(events.ControlWatchFailure, spec.Name, err.Error())
				spec.Restart = command.Never()
				spec.Watch = nil
			} else {
				triggers = append(triggers, t)
			}
		}

		s := supervisor.New(supervisor.Options{
			Spec:        spec,
			GracePeriod: o.options.GracePeriod,
			BaseEnv:     o.childEnv(spec),
		}, o.bus, logger)

		o.supervisors = append(o.supervisors, s)
		o.byName[spec.Name] = s
	}
	return triggers
}

func commandLogger(base logging.Logger, name string) logging.Logger {
	return logging.WithPrefix(base, fmt.Sprintf("command: %s , ", name))
}

// launch runs every supervisor concurrently; the returned channel is closed
// once all of them are terminal.
func (o *Orchestrator) launch(sups []*supervisor.Supervisor) <-chan struct{} {
	var fleet conc.WaitGroup
	for _, s := range sups {
		s := s
		fleet.Go(func() {
			s.Run(context.Background())
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := fleet.WaitAndRecover(); r != nil {
			o.logger.Errorf("Supervisor panicked: %v", r.AsError())
		}
	}()
	return done
}

// await waits for done until deadline. A signal or the deadline force-kills
// the whole set; supervisors that still do not finish after that are
// abandoned so shutdown stays bounded. It reports whether it force-killed.
func (o *Orchestrator) await(sups []*supervisor.Supervisor, done <-chan struct{}, signals <-chan os.Signal, deadline time.Time) bool {
	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()

	forced := false
	var settle <-chan time.Time

	for {
		select {
		case <-done:
			return forced

		case sig := <-signals:
			if forced {
				continue
			}
			o.logger.Warnf("Received %v during shutdown, force killing", sig)
			o.control(events.ControlForceKill, "", "second interrupt, killing all commands")
			o.forceKill(sups)
			forced = true
			settle = time.After(forceKillSettle)

		case <-timeout.C:
			if forced {
				continue
			}
			err := errors.NewTimeoutError("commands did not stop within the shutdown timeout", nil).
				WithContext("timeout", o.options.ShutdownTimeout.String())
			o.logger.Warnf("%v, force killing", err)
			o.control(events.ControlShutdownTimeout, "", "shutdown timeout reached, killing remaining commands")
			o.forceKill(sups)
			forced = true
			settle = time.After(forceKillSettle)

		case <-settle:
			o.logger.Errorf("Some commands are still not terminal after force kill, giving up")
			return forced
		}
	}
}

func (o *Orchestrator) forceKill(sups []*supervisor.Supervisor) {
	for _, s := range sups {
		if s.State() == events.StateTerminal {
			continue
		}
		o.logger.Warnf("Force killing command: %s, state: %s", s.Name(), s.State())
		s.ForceKill()
	}
}

// runShutdownCommands runs each configured shutdown command once, within
// what is left of the shutdown timeout.
func (o *Orchestrator) runShutdownCommands(signals <-chan os.Signal, deadline time.Time) {
	var sups []*supervisor.Supervisor
	for _, spec := range o.specs {
		if spec.Shutdown == "" {
			continue
		}
		shutdownSpec := spec.ShutdownSpec()
		sups = append(sups, supervisor.New(supervisor.Options{
			Spec:        shutdownSpec,
			GracePeriod: o.options.GracePeriod,
			BaseEnv:     o.childEnv(spec),
		}, o.bus, commandLogger(o.logger, shutdownSpec.Name)))
	}
	if len(sups) == 0 {
		return
	}

	if time.Until(deadline) <= 0 {
		o.logger.Warnf("No time left for %d shutdown commands", len(sups))
		return
	}

	o.logger.Infof("Running %d shutdown commands", len(sups))
	o.control(events.ControlShutdownCommands, "", fmt.Sprintf("running %d shutdown commands", len(sups)))
	o.await(sups, o.launch(sups), signals, deadline)
}

// teardown closes the pipeline front to back once no producer is left.
func (o *Orchestrator) teardown(dispatched <-chan struct{}) {
	o.bus.Close()
	<-dispatched
	o.mux.Close()
	o.agg.Close()
	<-o.agg.Done()
	close(o.ctrl)
}

// dispatch is the single consumer of the bus.
func (o *Orchestrator) dispatch(done chan<- struct{}) {
	defer close(done)

	for ev := range o.bus.Events() {
		switch e := ev.(type) {
		case *events.StatusChanged:
			o.agg.Update(e)
			o.observe(e)
		case *events.OutputLine:
			o.mux.Forward(e)
		case *events.WatchTriggered:
			o.route(e)
		case *events.Control:
			o.emit(e)
		}
	}
}

func (o *Orchestrator) route(ev *events.WatchTriggered) {
	s, ok := o.byName[ev.Command]
	if !ok {
		o.logger.Warnf("Watch trigger for unknown command: %s", ev.Command)
		return
	}
	if s.RequestRestart(ev) {
		o.logger.Debugf("Restart requested, command: %s, changes: %d, path: %s", ev.Command, ev.Changes, ev.Path)
	}
}

func (o *Orchestrator) observe(ev *events.StatusChanged) {
	if ev.Err != nil && ev.State != events.StateTerminal {
		o.logger.Errorf("Command %s: %s (%s failure): %v", ev.Command, ev.State, errors.TypeOf(ev.Err), ev.Err)
	}

	if o.options.FailureMode != FailureKillOthers || ev.State != events.StateTerminal {
		return
	}
	if ev.ExitCode == nil || *ev.ExitCode == 0 || o.isShuttingDown() {
		return
	}

	o.killOthersOnce.Do(func() {
		o.emit(&events.Control{
			Command: ev.Command,
			Signal:  events.ControlKillOthers,
			Message: fmt.Sprintf("%s exited with code %d, stopping all commands", ev.Command, *ev.ExitCode),
			At:      time.Now(),
		})
		o.killOthersCh <- ev.Command
	})
}
