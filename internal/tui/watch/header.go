package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/conduit/internal/api"
)

// Pulse lights up on each event and fades over about ten seconds.
type Pulse struct {
	level int
	last  time.Time
}

func (p *Pulse) Hit() {
	p.level = 5
	p.last = time.Now()
}

func (p *Pulse) Fade() {
	if p.level == 0 {
		return
	}
	p.level = max(0, 5-int(time.Since(p.last)/(2*time.Second)))
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.level {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(st *api.StatusResponse, connected bool, pulse Pulse, theme Theme, width int) string {
	title := " CONDUIT"
	state := theme.Pending.Render("CONNECTING")
	var stats, self string

	if st != nil {
		title = fmt.Sprintf(" CONDUIT %s", theme.Highlight.Render(st.Self.IntegrationID))
		switch {
		case !connected:
			state = theme.Warn.Render("STALE")
		case st.Running && st.ErrorMessage == "":
			state = theme.OK.Render("RUNNING")
		case st.ErrorMessage != "":
			state = theme.Failed.Render("FAILED")
		default:
			state = theme.Pending.Render("STOPPED")
		}

		up := "-"
		if st.StartTime != nil {
			up = formatDuration(time.Since(*st.StartTime))
		}
		stats = fmt.Sprintf(" up %s  queue %d/%d  skipped %d  sweep %d  submitted %d",
			up,
			st.EventQueue.PendingEvents, st.EventQueue.QueueSize,
			st.EventQueue.SkippedEvents,
			st.SweepEvents,
			st.Submitted.Batches,
		)
		self = theme.Dim.Render(fmt.Sprintf(" %s as %s on %s  log level %d",
			st.Self.TypeID, st.Self.Party, st.Self.LedgerID, st.LogLevel))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := width - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	lines := []string{
		title + strings.Repeat(" ", pad) + clock,
		fmt.Sprintf(" %s %s%s", state, pulse.Render(theme), stats),
	}
	if self != "" {
		lines = append(lines, self)
	}
	return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
