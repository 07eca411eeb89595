package status

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
	"github.com/core-tools/hsu-brood/pkg/resources"
)

const DefaultTickInterval = time.Second

// Aggregator owns the latest status of every command. Only its Run goroutine
// touches the rows; readers get fresh snapshot sets.
type Aggregator struct {
	interval time.Duration
	sampler  resources.Sampler
	logger   logging.Logger

	order []string
	rows  map[string]*row

	updates   chan *events.StatusChanged
	snapshots chan []Snapshot

	closeOnce sync.Once
	done      chan struct{}
	final     []Snapshot
}

// NewAggregator tracks specs in declaration order. Commands first seen
// through Update are appended after them.
func NewAggregator(specs []command.Spec, interval time.Duration, sampler resources.Sampler, logger logging.Logger) *Aggregator {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	a := &Aggregator{
		interval:  interval,
		sampler:   sampler,
		logger:    logger,
		rows:      make(map[string]*row, len(specs)),
		updates:   make(chan *events.StatusChanged, 64),
		snapshots: make(chan []Snapshot, 1),
		done:      make(chan struct{}),
	}
	for _, spec := range specs {
		a.track(spec.Name, spec.DisplayPrefix())
	}
	return a
}

func (a *Aggregator) track(name, prefix string) *row {
	if r, ok := a.rows[name]; ok {
		return r
	}
	r := &row{name: name, prefix: prefix, last: events.StatusChanged{Command: name, State: events.StateIdle}}
	a.rows[name] = r
	a.order = append(a.order, name)
	return r
}

// Update queues a status event. It must not be called after Close.
func (a *Aggregator) Update(ev *events.StatusChanged) {
	a.updates <- ev
}

// Snapshots yields the most recent snapshot set. A slow reader skips
// intermediate sets rather than delaying the aggregator. Closed after the
// final set.
func (a *Aggregator) Snapshots() <-chan []Snapshot {
	return a.snapshots
}

// Close stops accepting updates. Run applies what is queued, publishes the
// final set and returns.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.updates)
	})
}

// Final blocks until Run has returned and gives its last snapshot set.
func (a *Aggregator) Final() []Snapshot {
	<-a.done
	out := make([]Snapshot, len(a.final))
	copy(out, a.final)
	return out
}

// Done is closed once the final set is available.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	defer close(a.snapshots)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.finish()
			return

		case ev, ok := <-a.updates:
			if !ok {
				a.finish()
				return
			}
			a.apply(ev)

		case <-ticker.C:
			a.sample()
			a.publish(a.collect())
		}
	}
}

func (a *Aggregator) apply(ev *events.StatusChanged) {
	r, ok := a.rows[ev.Command]
	if !ok {
		r = a.track(ev.Command, ev.Command)
	}

	if r.last.PID != 0 && r.last.PID != ev.PID {
		a.sampler.Forget(r.last.PID)
		r.cpu, r.rss = 0, 0
	}
	if !ev.State.HasProcess() {
		if ev.PID != 0 {
			a.sampler.Forget(ev.PID)
		}
		r.cpu, r.rss = 0, 0
	}

	// One writer per command, so the newest event always wins.
	r.last = *ev
}

func (a *Aggregator) sample() {
	for _, name := range a.order {
		r := a.rows[name]
		if !r.last.State.HasProcess() || r.last.PID <= 0 {
			continue
		}
		usage, err := a.sampler.Sample(r.last.PID)
		if err != nil {
			a.logger.Debugf("Resource sample failed, command: %s, PID: %d, error: %v", name, r.last.PID, err)
			continue
		}
		r.cpu = usage.CPUPercent
		r.rss = usage.RSSBytes
	}
}

func (a *Aggregator) collect() []Snapshot {
	now := time.Now()
	set := make([]Snapshot, 0, len(a.order))
	for _, name := range a.order {
		set = append(set, a.rows[name].snapshot(now))
	}
	return set
}

// publish keeps only the newest set in the channel. Run is the only sender.
func (a *Aggregator) publish(set []Snapshot) {
	select {
	case a.snapshots <- set:
		return
	default:
	}
	select {
	case <-a.snapshots:
	default:
	}
	a.snapshots <- set
}

func (a *Aggregator) finish() {
	for {
		select {
		case ev, ok := <-a.updates:
			if !ok {
				a.finalize()
				return
			}
			a.apply(ev)
		default:
			a.finalize()
			return
		}
	}
}

func (a *Aggregator) finalize() {
	a.final = a.collect()
	a.publish(a.final)
	a.logger.Debugf("Status aggregator finished, commands: %d", len(a.final))
}
