package output

import (
	"sync"

	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
)

const DefaultLinesBuffer = 256

// Multiplexer fans output lines from every command into one renderer stream.
// Lines of one command keep their arrival order and get consecutive Seq
// numbers; lines of different commands are not ordered against each other.
type Multiplexer struct {
	logger logging.Logger
	lines  chan *events.OutputLine

	mutex  sync.Mutex
	known  map[string]bool
	seq    map[string]uint64
	closed bool
}

// NewMultiplexer accepts lines only for the listed command names.
func NewMultiplexer(names []string, buffer int, logger logging.Logger) *Multiplexer {
	if buffer <= 0 {
		buffer = DefaultLinesBuffer
	}
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}
	return &Multiplexer{
		logger: logger,
		lines:  make(chan *events.OutputLine, buffer),
		known:  known,
		seq:    make(map[string]uint64, len(names)),
	}
}

// Forward tags line with the next sequence number of its command and hands
// it to the renderer. It blocks while the renderer is behind; lines are
// never dropped. It must be called from a single goroutine.
func (m *Multiplexer) Forward(line *events.OutputLine) bool {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return false
	}
	if !m.known[line.Command] {
		m.mutex.Unlock()
		m.logger.Warnf("Dropping output of unknown command: %s", line.Command)
		return false
	}
	m.seq[line.Command]++
	tagged := *line
	tagged.Seq = m.seq[line.Command]
	m.mutex.Unlock()

	m.lines <- &tagged
	return true
}

// Lines is closed by Close.
func (m *Multiplexer) Lines() <-chan *events.OutputLine {
	return m.lines
}

// Count returns how many lines were forwarded for name.
func (m *Multiplexer) Count(name string) uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.seq[name]
}

// Close must not race with Forward.
func (m *Multiplexer) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.lines)
}
