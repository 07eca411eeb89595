package render

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// FallbackWidth is used when the output is not a terminal.
const FallbackWidth = 80

var namedColors = map[string]string{
	"black":   "0",
	"red":     "1",
	"green":   "2",
	"yellow":  "3",
	"blue":    "4",
	"magenta": "5",
	"cyan":    "6",
	"white":   "7",
	"gray":    "8",
	"grey":    "8",
}

// ParseStyle turns a style description such as "bold cyan" or
// "italic #ff8800 bg:236" into a lipgloss style. Unknown words are ignored.
func ParseStyle(r *lipgloss.Renderer, desc string) lipgloss.Style {
	style := r.NewStyle().TabWidth(lipgloss.NoTabConversion)

	for _, word := range strings.FieldsFunc(strings.ToLower(desc), func(c rune) bool {
		return c == ' ' || c == ',' || c == '+'
	}) {
		switch word {
		case "bold":
			style = style.Bold(true)
		case "dim", "faint":
			style = style.Faint(true)
		case "italic":
			style = style.Italic(true)
		case "underline":
			style = style.Underline(true)
		case "reverse":
			style = style.Reverse(true)
		default:
			if bg, ok := strings.CutPrefix(word, "bg:"); ok {
				if c, ok := parseColor(bg); ok {
					style = style.Background(c)
				}
				continue
			}
			if c, ok := parseColor(word); ok {
				style = style.Foreground(c)
			}
		}
	}
	return style
}

func parseColor(word string) (lipgloss.Color, bool) {
	if code, ok := namedColors[word]; ok {
		return lipgloss.Color(code), true
	}
	if strings.HasPrefix(word, "#") && (len(word) == 4 || len(word) == 7) {
		return lipgloss.Color(word), true
	}
	if n, err := strconv.Atoi(word); err == nil && n >= 0 && n <= 255 {
		return lipgloss.Color(word), true
	}
	return "", false
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ColorProfile picks the color profile for w. Non-terminals and noColor get
// plain text; terminals honour NO_COLOR and CLICOLOR_FORCE.
func ColorProfile(w io.Writer, noColor bool) termenv.Profile {
	if noColor || !isTerminal(w) {
		return termenv.Ascii
	}
	return termenv.NewOutput(w).EnvColorProfile()
}

// TerminalWidth returns the column count of w, or FallbackWidth.
func TerminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !isTerminal(w) {
		return FallbackWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return FallbackWidth
	}
	return width
}
