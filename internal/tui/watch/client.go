package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

type eventMsg events.Event

type statusMsg api.StatusResponse

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type streamClosedMsg struct{}

type reconnectMsg struct{}

// Client talks to the control endpoints of one runtime.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c Client) request(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Status fetches GET /status.
func (c Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var st api.StatusResponse
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := c.request(ctx, "/status")
	if err != nil {
		return st, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return st, fmt.Errorf("status: %s %s", resp.Status, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// Stream reads GET /events and forwards each event to ch until the
// connection ends. lastID resumes after an earlier stream.
func (c Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) (int64, error) {
	req, err := c.request(ctx, "/events")
	if err != nil {
		return lastID, err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastID, fmt.Errorf("events: %s", resp.Status)
	}

	var cur events.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.ID == 0 {
				continue
			}
			cur.At = time.Now()
			select {
			case ch <- cur:
			case <-ctx.Done():
				return lastID, ctx.Err()
			}
			lastID = cur.ID
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			cur.ID, _ = strconv.ParseInt(line[len("id: "):], 10, 64)
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[len("data: "):])
		}
	}
	return lastID, scanner.Err()
}

// subscribe keeps one SSE connection open and reports when it drops.
func (m Model) subscribe() tea.Cmd {
	client, ch, last := m.client, m.events, m.lastEventID
	return func() tea.Msg {
		n, _ := client.Stream(context.Background(), last.Load(), ch)
		last.Store(n)
		return streamClosedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchStatus(client Client) tea.Cmd {
	return func() tea.Msg {
		st, err := client.Status(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(st)
	}
}
