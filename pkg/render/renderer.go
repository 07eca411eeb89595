package render

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/events"
	"github.com/core-tools/hsu-brood/pkg/status"
)

const (
	DefaultTemplate = "[{name}]"

	// internalName labels lines the runner writes about itself.
	internalName = "brood"
)

type Options struct {
	// Template builds a prefix; {name} expands to the command's display prefix.
	Template string

	PrefixStyle  string
	MessageStyle string
	StatusStyle  string

	NoColor bool

	// Width overrides terminal detection when positive.
	Width int
}

type lineStyle struct {
	prefix  lipgloss.Style
	message lipgloss.Style
}

// LogRenderer writes every output line with an aligned, styled prefix and
// reports status transitions and control events as internal lines.
type LogRenderer struct {
	out   io.Writer
	color bool
	width int

	prefixes map[string]string // command name to padded prefix
	styles   map[string]lineStyle
	pad      int

	internal lipgloss.Style
	status   lipgloss.Style

	previous map[string]status.Snapshot
}

// NewLogRenderer prepares prefixes for specs and for their shutdown commands.
func NewLogRenderer(out io.Writer, specs []command.Spec, options Options) *LogRenderer {
	if options.Template == "" {
		options.Template = DefaultTemplate
	}

	profile := ColorProfile(out, options.NoColor)
	r := lipgloss.NewRenderer(out)
	r.SetColorProfile(profile)

	width := options.Width
	if width <= 0 {
		width = TerminalWidth(out)
	}

	l := &LogRenderer{
		out:      out,
		color:    profile != termenv.Ascii,
		width:    width,
		prefixes: make(map[string]string, len(specs)*2+1),
		styles:   make(map[string]lineStyle, len(specs)*2),
		internal: ParseStyle(r, "dim"),
		status:   ParseStyle(r, options.StatusStyle),
		previous: make(map[string]status.Snapshot, len(specs)),
	}
	if options.StatusStyle == "" {
		l.status = ParseStyle(r, "dim italic")
	}

	all := make([]command.Spec, 0, len(specs)*2)
	for _, spec := range specs {
		all = append(all, spec)
		if spec.Shutdown != "" {
			all = append(all, spec.ShutdownSpec())
		}
	}

	raw := make(map[string]string, len(all)+1)
	raw[internalName] = expand(options.Template, internalName)
	for _, spec := range all {
		raw[spec.Name] = expand(options.Template, spec.DisplayPrefix())

		prefixStyle, messageStyle := options.PrefixStyle, options.MessageStyle
		if spec.PrefixStyle != "" {
			prefixStyle = spec.PrefixStyle
		}
		if spec.MessageStyle != "" {
			messageStyle = spec.MessageStyle
		}
		l.styles[spec.Name] = lineStyle{prefix: ParseStyle(r, prefixStyle), message: ParseStyle(r, messageStyle)}
	}

	for _, p := range raw {
		if w := runewidth.StringWidth(p); w > l.pad {
			l.pad = w
		}
	}
	for name, p := range raw {
		l.prefixes[name] = runewidth.FillRight(p, l.pad)
	}
	return l
}

func expand(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}

// ChildEnv gives children FORCE_COLOR and the columns left after the prefix.
func (l *LogRenderer) ChildEnv(spec command.Spec) map[string]string {
	columns := l.width - l.pad - 1
	if columns <= 0 {
		columns = l.width
	}
	return map[string]string{
		"FORCE_COLOR": "true",
		"COLUMNS":     strconv.Itoa(columns),
	}
}

// Run renders until lines, snapshots and controls are all closed, or ctx is done.
func (l *LogRenderer) Run(ctx context.Context, lines <-chan *events.OutputLine, snapshots <-chan []status.Snapshot, controls <-chan *events.Control) error {
	for lines != nil || snapshots != nil || controls != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			l.Line(line)

		case set, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			l.Snapshots(set)

		case ev, ok := <-controls:
			if !ok {
				controls = nil
				continue
			}
			l.Control(ev)
		}
	}
	return nil
}

func (l *LogRenderer) Line(line *events.OutputLine) {
	prefix, ok := l.prefixes[line.Command]
	if !ok {
		prefix = runewidth.FillRight(line.Command, l.pad)
	}
	style := l.styles[line.Command]
	l.write(l.paint(style.prefix, prefix), l.paint(style.message, line.Text))
}

func (l *LogRenderer) Control(ev *events.Control) {
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Signal)
	}
	l.write(l.paint(l.internal, l.prefixes[internalName]), l.paint(l.internal, msg))
}

// Snapshots prints one status line per command whose state moved since the
// previous set.
func (l *LogRenderer) Snapshots(set []status.Snapshot) {
	for _, snap := range set {
		prev, seen := l.previous[snap.Name]
		l.previous[snap.Name] = snap

		if msg := transition(prev, seen, snap); msg != "" {
			prefix, ok := l.prefixes[snap.Name]
			if !ok {
				prefix = runewidth.FillRight(snap.Name, l.pad)
			}
			l.write(l.paint(l.styles[snap.Name].prefix, prefix), l.paint(l.status, msg))
		}
	}
}

func transition(prev status.Snapshot, seen bool, snap status.Snapshot) string {
	if seen && prev.State == snap.State && prev.Instance == snap.Instance {
		return ""
	}

	switch snap.State {
	case events.StateRunning:
		return fmt.Sprintf("started (pid %d)", snap.PID)
	case events.StateExited:
		return exitMessage(snap)
	case events.StateStopping:
		return "stopping"
	case events.StateStopped:
		return "stopped"
	case events.StateRestarting:
		return fmt.Sprintf("restarting (restart %d)", snap.RestartCount)
	case events.StateTerminal:
		if seen && (prev.State == events.StateExited || prev.State == events.StateStopped) && prev.Instance == snap.Instance {
			return "finished"
		}
		if snap.ExitCode != nil {
			return exitMessage(snap) + ", finished"
		}
		return "finished"
	default:
		return ""
	}
}

func exitMessage(snap status.Snapshot) string {
	if snap.ExitCode == nil {
		return "exited"
	}
	if snap.Error != "" && snap.PID == 0 {
		return fmt.Sprintf("failed to start (code %d): %s", *snap.ExitCode, snap.Error)
	}
	return fmt.Sprintf("exited with code %d", *snap.ExitCode)
}

func (l *LogRenderer) paint(style lipgloss.Style, s string) string {
	if !l.color {
		return s
	}
	return style.Render(s)
}

func (l *LogRenderer) write(prefix, text string) {
	fmt.Fprintf(l.out, "%s %s\n", prefix, text)
}
