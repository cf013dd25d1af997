package watch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

const (
	pollEvery   = 5 * time.Second
	retryEvery  = 3 * time.Second
	keptEvents  = 50
	shownEvents = 10
)

// Model is the bubbletea model of the watch view.
type Model struct {
	client Client

	width  int
	height int

	status    *api.StatusResponse
	connected bool
	eventLog  []events.Event
	pulse     Pulse
	handlers  table.Model
	theme     Theme
	lastError string

	events      chan events.Event
	lastEventID *atomic.Int64
}

// New creates the view for the runtime behind client.
func New(client Client) Model {
	t := table.New(
		table.WithColumns(handlerColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("24")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		client:      client,
		handlers:    t,
		theme:       NewDefaultTheme(),
		events:      make(chan events.Event, 100),
		lastEventID: &atomic.Int64{},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		receiveNextEvent(m.events),
		fetchStatus(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.handlers.SetColumns(handlerColumns(m.width - 6))
		m.handlers.SetWidth(m.width - 6)
		m.handlers.SetHeight(max(5, m.height/3))
		return m, nil

	case tickMsg:
		m.pulse.Fade()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > keptEvents {
			m.eventLog = m.eventLog[:keptEvents]
		}
		m.pulse.Hit()
		m.connected = true
		return m, receiveNextEvent(m.events)

	case statusMsg:
		st := api.StatusResponse(msg)
		m.status = &st
		m.connected = true
		m.lastError = ""
		m.handlers.SetRows(handlerRows(st))
		return m, tea.Tick(pollEvery, func(time.Time) tea.Msg { return fetchStatus(m.client)() })

	case streamClosedMsg:
		m.connected = false
		m.lastError = "event stream closed, reconnecting..."
		return m, tea.Tick(retryEvery, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(pollEvery, func(time.Time) tea.Msg { return fetchStatus(m.client)() })
	}

	var cmd tea.Cmd
	m.handlers, cmd = m.handlers.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	inner := m.width - 4
	parts := []string{
		renderHeader(m.status, m.connected, m.pulse, m.theme, inner),
		m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("HANDLERS"),
			m.handlers.View(),
		)),
		renderEventLog(m.eventLog, m.theme, inner),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [r] refresh  [up/down] scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
