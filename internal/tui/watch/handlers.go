package watch

import (
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/dispatch"
)

func handlerColumns(width int) []table.Column {
	label := width - 8 - 14 - 8 - 8 - 10 - 12
	if label < 16 {
		label = 16
	}
	return []table.Column{
		{Title: "#", Width: 8},
		{Title: "Kind", Width: 14},
		{Title: "Label", Width: label},
		{Title: "Uses", Width: 8},
		{Title: "Errors", Width: 8},
		{Title: "Commands", Width: 10},
		{Title: "State", Width: 12},
	}
}

// handlerRows lists handlers in the order of the status document.
func handlerRows(st api.StatusResponse) []table.Row {
	var rows []table.Row
	for _, group := range [][]dispatch.InvocationStatus{st.LedgerEvents, st.Webhooks, st.Timers, st.Queues} {
		for _, h := range group {
			rows = append(rows, table.Row{
				strconv.Itoa(h.Index),
				string(h.Kind),
				h.Label,
				strconv.FormatInt(h.UseCount, 10),
				strconv.FormatInt(h.ErrorCount, 10),
				strconv.FormatInt(h.CommandCount, 10),
				handlerState(h),
			})
		}
	}
	return rows
}

func handlerState(h dispatch.InvocationStatus) string {
	switch {
	case h.State != "":
		return h.State
	case h.Pending != nil:
		return strconv.Itoa(*h.Pending) + " queued"
	case h.Interval != "":
		return h.Interval
	case h.Cron != "":
		return h.Cron
	}
	return ""
}
