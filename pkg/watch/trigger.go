package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
)

const DefaultDebounce = 300 * time.Millisecond

// Trigger observes a command's watch paths and publishes one WatchTriggered
// per quiet period. It only requests; the supervisor decides.
type Trigger struct {
	name   string
	rule   command.WatchRule
	bus    *events.Bus
	logger logging.Logger

	watcher *fsnotify.Watcher
	watched map[string]bool

	startOnce sync.Once
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewTrigger registers every watch path. A path that cannot be observed is
// a watch error and nothing is left running.
func NewTrigger(name string, rule command.WatchRule, bus *events.Bus, logger logging.Logger) (*Trigger, error) {
	if len(rule.Paths) == 0 {
		return nil, errors.NewWatchError("no paths to watch", nil).WithContext("command", name)
	}
	if rule.Debounce <= 0 {
		rule.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewWatchError("failed to create filesystem watcher", err).WithContext("command", name)
	}

	t := &Trigger{
		name:    name,
		rule:    rule,
		bus:     bus,
		logger:  logger,
		watcher: fsw,
		watched: make(map[string]bool),
		closeCh: make(chan struct{}),
	}

	for _, p := range rule.Paths {
		if err := t.addRecursive(p); err != nil {
			fsw.Close()
			return nil, errors.NewWatchError("failed to watch path", err).
				WithContext("command", name).
				WithContext("path", p)
		}
	}

	logger.Debugf("Watching %d directories, debounce: %v", len(t.watched), rule.Debounce)
	return t, nil
}

// Start launches the event loop. Repeated calls are no-ops.
func (t *Trigger) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.loop()
	})
}

// Close stops the loop and releases the watcher; a pending debounce is discarded.
func (t *Trigger) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.wg.Wait()
		err = t.watcher.Close()
	})
	return err
}

func (t *Trigger) addRecursive(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return t.add(abs)
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == abs {
				return walkErr
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && t.ignored(p) {
			return filepath.SkipDir
		}
		return t.add(p)
	})
}

func (t *Trigger) add(p string) error {
	if t.watched[p] {
		return nil
	}
	if err := t.watcher.Add(p); err != nil {
		return err
	}
	t.watched[p] = true
	return nil
}

func (t *Trigger) ignored(p string) bool {
	return t.rule.Ignore != nil && t.rule.Ignore(p)
}

func (t *Trigger) loop() {
	defer t.wg.Done()

	d := newDebouncer(t.rule.Debounce)
	defer d.stop()

	for {
		select {
		case <-t.closeCh:
			return

		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(ev, d)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warnf("Watcher error: %v", err)

		case <-d.C():
			path, changes := d.fire()
			t.logger.Debugf("Change detected in %s (%d events), requesting restart", path, changes)
			t.bus.Publish(&events.WatchTriggered{
				Command: t.name,
				Path:    path,
				Changes: changes,
				At:      time.Now(),
			})
		}
	}
}

func (t *Trigger) handle(ev fsnotify.Event, d *debouncer) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	if t.ignored(ev.Name) {
		return
	}

	// New directories are not observed by fsnotify until added.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := t.addRecursive(ev.Name); err != nil {
				t.logger.Warnf("Failed to watch new directory %s: %v", ev.Name, err)
			}
		}
	}
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		delete(t.watched, ev.Name)
	}

	d.touch(ev.Name)
}

// debouncer coalesces touches into a single fire once the window passes
// without a new touch. It is owned by one goroutine.
type debouncer struct {
	window  time.Duration
	timer   *time.Timer
	pending bool
	path    string
	changes int
}

func newDebouncer(window time.Duration) *debouncer {
	t := time.NewTimer(window)
	if !t.Stop() {
		<-t.C
	}
	return &debouncer{window: window, timer: t}
}

func (d *debouncer) touch(path string) {
	if d.pending && !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(d.window)
	d.pending = true
	d.path = path
	d.changes++
}

// C is nil while nothing is pending so a select never fires spuriously.
func (d *debouncer) C() <-chan time.Time {
	if !d.pending {
		return nil
	}
	return d.timer.C
}

func (d *debouncer) fire() (string, int) {
	path, changes := d.path, d.changes
	d.pending = false
	d.path = ""
	d.changes = 0
	return path, changes
}

func (d *debouncer) stop() {
	d.timer.Stop()
}
