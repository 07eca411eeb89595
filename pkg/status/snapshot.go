package status

import (
	"time"

	"github.com/core-tools/hsu-brood/pkg/events"
)

// Snapshot is a point-in-time copy of one command's status. It shares no
// memory with the aggregator or with other snapshots.
type Snapshot struct {
	Name     string
	Prefix   string
	State    events.State
	Terminal bool
	Instance string

	PID          int
	RestartCount int
	ExitCode     *int
	StartedAt    time.Time
	Uptime       time.Duration
	Error        string

	CPUPercent float64
	RSSBytes   uint64

	TakenAt time.Time
}

// Find returns the snapshot named name, if present.
func Find(set []Snapshot, name string) (Snapshot, bool) {
	for _, s := range set {
		if s.Name == name {
			return s, true
		}
	}
	return Snapshot{}, false
}

// AllTerminal reports whether every snapshot in set is terminal.
func AllTerminal(set []Snapshot) bool {
	for _, s := range set {
		if !s.Terminal {
			return false
		}
	}
	return true
}

type row struct {
	name   string
	prefix string
	last   events.StatusChanged

	cpu float64
	rss uint64
}

func (r *row) snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Name:         r.name,
		Prefix:       r.prefix,
		State:        r.last.State,
		Terminal:     r.last.State == events.StateTerminal,
		Instance:     r.last.Instance,
		PID:          r.last.PID,
		RestartCount: r.last.RestartCount,
		StartedAt:    r.last.StartedAt,
		TakenAt:      now,
	}
	if s.State == "" {
		s.State = events.StateIdle
	}
	if r.last.ExitCode != nil {
		code := *r.last.ExitCode
		s.ExitCode = &code
	}
	if r.last.Err != nil {
		s.Error = r.last.Err.Error()
	}
	if s.State.HasProcess() {
		if !s.StartedAt.IsZero() {
			s.Uptime = now.Sub(s.StartedAt)
		}
		s.CPUPercent = r.cpu
		s.RSSBytes = r.rss
	}
	return s
}
