package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/conduit/internal/events"
)

func renderEventLog(log []events.Event, theme Theme, width int) string {
	lines := []string{theme.Title.Render("EVENTS")}
	if len(log) == 0 {
		lines = append(lines, theme.Dim.Render("  Waiting for events..."))
	}
	for i, e := range log {
		if i >= shownEvents {
			break
		}
		lines = append(lines, " "+formatEvent(e, theme))
	}
	return theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatEvent(e events.Event, theme Theme) string {
	style := theme.Dim
	switch e.Type {
	case events.TypeHandlerFailed, events.TypeQueueSkipped:
		style = theme.Failed
	case events.TypeCommandsSubmitted, events.TypeLedgerLive, events.TypeSweepCompleted:
		style = theme.OK
	case events.TypeTimerDeferred:
		style = theme.Warn
	case events.TypeHandlerInvoked:
		style = theme.Highlight
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-22s", e.Type)),
		describe(e),
	)
}

// describe summarizes an event on one line.
func describe(e events.Event) string {
	data := map[string]any{}
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if e.Subject != "" {
		parts = append(parts, e.Subject)
	}
	if errText, ok := data["error"].(string); ok {
		first, _, _ := strings.Cut(errText, "\n")
		parts = append(parts, first)
	}
	for _, k := range []string{"commands", "count", "sweep_events", "log_level"} {
		if v, ok := data[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
