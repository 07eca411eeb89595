package render

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/status"
)

func testSpecs() []command.Spec {
	return []command.Spec{
		{Name: "web", Command: "npm start", Restart: command.Never()},
		{Name: "database", Command: "postgres", Restart: command.Never(), Shutdown: "pg_ctl stop"},
		{Name: "api", Command: "go run .", Prefix: "API", Restart: command.Never()},
	}
}

func outputLines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

func code(n int) *int { return &n }

func TestLogRenderer_AlignsPrefixes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogRenderer(&buf, testSpecs(), Options{})

	l.Line(&events.OutputLine{Command: "web", Text: "listening"})
	l.Line(&events.OutputLine{Command: "database", Text: "ready"})
	l.Line(&events.OutputLine{Command: "api", Text: "\tindented"})
	l.Line(&events.OutputLine{Command: "database:shutdown", Text: "bye"})

	assert.Equal(t, []string{
		"[web]      listening",
		"[database] ready",
		"[API]      \tindented",
		"[database] bye",
	}, outputLines(&buf))
}

func TestLogRenderer_Template(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogRenderer(&buf, testSpecs()[:1], Options{Template: "{name} |"})

	l.Line(&events.OutputLine{Command: "web", Text: "hi"})
	l.Control(&events.Control{Signal: events.ControlShutdownRequested, Message: "stopping all commands"})

	assert.Equal(t, []string{
		"web |   hi",
		"brood | stopping all commands",
	}, outputLines(&buf))
}

func TestLogRenderer_SnapshotTransitions(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogRenderer(&buf, testSpecs()[:1], Options{Template: "{name}"})

	l.Snapshots([]status.Snapshot{{Name: "web", State: events.StateRunning, Instance: "a", PID: 42}})
	l.Snapshots([]status.Snapshot{{Name: "web", State: events.StateRunning, Instance: "a", PID: 42}})
	l.Snapshots([]status.Snapshot{{Name: "web", State: events.StateExited, Instance: "a", PID: 42, ExitCode: code(2)}})
	l.Snapshots([]status.Snapshot{{Name: "web", State: events.StateRestarting, Instance: "a", RestartCount: 1, ExitCode: code(2)}})
	l.Snapshots([]status.Snapshot{{Name: "web", State: events.StateRunning, Instance: "b", PID: 43, RestartCount: 1}})
	l.Snapshots([]status.Snapshot{{Name: "web", State: events.StateTerminal, Terminal: true, Instance: "c", ExitCode: code(0)}})

	assert.Equal(t, []string{
		"web   started (pid 42)",
		"web   exited with code 2",
		"web   restarting (restart 1)",
		"web   started (pid 43)",
		"web   exited with code 0, finished",
	}, outputLines(&buf))
}

func TestTransition_SpawnFailure(t *testing.T) {
	msg := transition(status.Snapshot{}, false, status.Snapshot{
		Name: "bad", State: events.StateExited, Instance: "x", ExitCode: code(127), Error: "spawn: no such file",
	})
	assert.Equal(t, "failed to start (code 127): spawn: no such file", msg)

	msg = transition(
		status.Snapshot{Name: "bad", State: events.StateExited, Instance: "x"}, true,
		status.Snapshot{Name: "bad", State: events.StateTerminal, Instance: "x"})
	assert.Equal(t, "finished", msg)

	msg = transition(status.Snapshot{}, false, status.Snapshot{
		Name: "bad", State: events.StateTerminal, Terminal: true, Instance: "y", ExitCode: code(127), Error: "spawn: no such file",
	})
	assert.Equal(t, "failed to start (code 127): spawn: no such file, finished", msg)
}

func TestLogRenderer_ChildEnv(t *testing.T) {
	l := NewLogRenderer(&bytes.Buffer{}, testSpecs(), Options{Width: 100})

	env := l.ChildEnv(testSpecs()[0])
	assert.Equal(t, "true", env["FORCE_COLOR"])
	assert.Equal(t, "89", env["COLUMNS"], "100 minus the widest prefix [database] and a space")

	fallback := NewLogRenderer(&bytes.Buffer{}, testSpecs(), Options{})
	assert.Equal(t, "69", fallback.ChildEnv(testSpecs()[0])["COLUMNS"])
}

func TestLogRenderer_RunDrainsUntilClosed(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogRenderer(&buf, testSpecs()[:1], Options{})

	lines := make(chan *events.OutputLine, 2)
	snapshots := make(chan []status.Snapshot, 1)
	controls := make(chan *events.Control, 1)

	lines <- &events.OutputLine{Command: "web", Text: "one"}
	lines <- &events.OutputLine{Command: "web", Text: "two"}
	controls <- &events.Control{Signal: events.ControlForceKill}
	close(lines)
	close(snapshots)
	close(controls)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background(), lines, snapshots, controls) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("renderer did not return after every channel closed")
	}

	out := buf.String()
	assert.Contains(t, out, "[web]   one\n[web]   two\n")
	assert.Contains(t, out, "[brood] force_kill")
}

func TestLogRenderer_RunStopsOnContext(t *testing.T) {
	l := NewLogRenderer(&bytes.Buffer{}, testSpecs()[:1], Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Run(ctx, make(chan *events.OutputLine), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseStyle(t *testing.T) {
	r := lipgloss.NewRenderer(&bytes.Buffer{})
	r.SetColorProfile(termenv.TrueColor)

	style := ParseStyle(r, "bold, cyan bg:236 italic nonsense")
	assert.True(t, style.GetBold())
	assert.True(t, style.GetItalic())
	assert.Equal(t, lipgloss.Color("6"), style.GetForeground())
	assert.Equal(t, lipgloss.Color("236"), style.GetBackground())

	hex := ParseStyle(r, "#ff8800 underline")
	assert.Equal(t, lipgloss.Color("#ff8800"), hex.GetForeground())
	assert.True(t, hex.GetUnderline())

	plain := ParseStyle(r, "")
	assert.False(t, plain.GetBold())
}

func TestColorProfile_NonTerminal(t *testing.T) {
	assert.Equal(t, termenv.Ascii, ColorProfile(&bytes.Buffer{}, false))
	assert.Equal(t, termenv.Ascii, ColorProfile(&bytes.Buffer{}, true))
	assert.Equal(t, FallbackWidth, TerminalWidth(&bytes.Buffer{}))
}
