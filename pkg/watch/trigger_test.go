package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/logging"
)

func TestDebouncer_CoalescesTouches(t *testing.T) {
	d := newDebouncer(50 * time.Millisecond)
	defer d.stop()

	assert.Nil(t, d.C(), "nothing pending")

	for i := 0; i < 10; i++ {
		d.touch(fmt.Sprintf("file-%d", i))
	}

	select {
	case <-d.C():
	case <-time.After(time.Second):
		t.Fatal("debouncer never fired")
	}
	path, changes := d.fire()
	assert.Equal(t, "file-9", path)
	assert.Equal(t, 10, changes)
	assert.Nil(t, d.C())
}

func TestDebouncer_TouchExtendsWindow(t *testing.T) {
	d := newDebouncer(80 * time.Millisecond)
	defer d.stop()

	start := time.Now()
	d.touch("a")
	time.Sleep(50 * time.Millisecond)
	d.touch("b")

	<-d.C()
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func collectTriggers(bus *events.Bus, window time.Duration) []*events.WatchTriggered {
	var out []*events.WatchTriggered
	deadline := time.After(window)
	for {
		select {
		case ev := <-bus.Events():
			if wt, ok := ev.(*events.WatchTriggered); ok {
				out = append(out, wt)
			}
		case <-deadline:
			return out
		}
	}
}

func TestTrigger_BurstProducesOneRequest(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)

	trig, err := NewTrigger("web", command.WatchRule{
		Paths:    []string{dir},
		Debounce: 150 * time.Millisecond,
	}, bus, logging.Nop())
	require.NoError(t, err)
	trig.Start()
	defer trig.Close()

	target := filepath.Join(dir, "main.go")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte(strings.Repeat("x", i+1)), 0o644))
	}

	got := collectTriggers(bus, 800*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].Command)
	assert.GreaterOrEqual(t, got[0].Changes, 1)
}

func TestTrigger_IgnoredPathsAreDiscarded(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)

	match, err := NewIgnoreMatcher(dir, []string{"*.log"})
	require.NoError(t, err)

	trig, err := NewTrigger("api", command.WatchRule{
		Paths:    []string{dir},
		Ignore:   match,
		Debounce: 50 * time.Millisecond,
	}, bus, logging.Nop())
	require.NoError(t, err)
	trig.Start()
	defer trig.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.log"), []byte("noise"), 0o644))
	assert.Empty(t, collectTriggers(bus, 300*time.Millisecond))
}

func TestTrigger_WatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)

	trig, err := NewTrigger("api", command.WatchRule{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
	}, bus, logging.Nop())
	require.NoError(t, err)
	trig.Start()
	defer trig.Close()

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Len(t, collectTriggers(bus, 300*time.Millisecond), 1)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.go"), []byte("package pkg"), 0o644))
	got := collectTriggers(bus, 300*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(sub, "a.go"), got[0].Path)
}

func TestNewTrigger_MissingPathIsWatchError(t *testing.T) {
	_, err := NewTrigger("api", command.WatchRule{
		Paths: []string{filepath.Join(t.TempDir(), "missing")},
	}, events.NewBus(1), logging.Nop())

	require.Error(t, err)
	assert.True(t, errors.IsWatchError(err))
}

func TestTrigger_CloseIsIdempotent(t *testing.T) {
	trig, err := NewTrigger("api", command.WatchRule{Paths: []string{t.TempDir()}}, events.NewBus(1), logging.Nop())
	require.NoError(t, err)
	trig.Start()

	assert.NoError(t, trig.Close())
	assert.NoError(t, trig.Close())
}
