package alert

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Bell writes the terminal BEL character for attendance and warning alerts.
// It stands in for the dashboard's audio cue.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBell(w io.Writer) *Bell { return &Bell{w: w} }

func (b *Bell) Notify(_ context.Context, a Alert) error {
	if a.Kind != KindAttendance && a.Level == LevelInfo {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.w, "\a")
	return err
}

var (
	consoleTime  = lipgloss.NewStyle().Faint(true)
	consoleBody  = lipgloss.NewStyle().PaddingLeft(2)
	consoleLevel = map[Level]lipgloss.Style{
		LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("#17a2b8")).Bold(true),
		LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("#ffc107")).Bold(true),
		LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#dc3545")).Bold(true),
	}
)

// Console renders one styled block per alert.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Notify(_ context.Context, a Alert) error {
	title := a.Title
	if a.Style.Icon != "" {
		title = a.Style.Icon + " " + title
	} else if icon := levelIcon(a.Level); icon != "" {
		title = icon + " " + title
	}

	st, ok := consoleLevel[a.Level]
	if !ok {
		st = consoleLevel[LevelInfo]
	}
	if a.Style.Color != "" {
		st = lipgloss.NewStyle().Foreground(lipgloss.Color(a.Style.Color)).Bold(true)
	}

	line := st.Render(title)
	if !a.At.IsZero() {
		line = consoleTime.Render(a.At.Format("15:04:05")) + " " + line
	}
	if a.Body != "" {
		line += "\n" + consoleBody.Render(a.Body)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, line)
	return err
}
