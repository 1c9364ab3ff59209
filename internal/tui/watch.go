package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskdeck/internal/wire"
)

// connState is shared between the stream reader and the view.
type connState struct {
	mu     sync.Mutex
	phase  string // connecting, live, reconnecting
	client string // client id from the connected handshake
	frames int
}

func (c *connState) setPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *connState) setClient(id string) {
	c.mu.Lock()
	c.client = id
	c.mu.Unlock()
}

func (c *connState) bump() {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
}

func (c *connState) snapshot() (phase, client string, frames int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, c.client, c.frames
}

type watchModel struct {
	url   string
	feed  *Feed
	state *connState
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tickCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		// The feed and state are read live in View; the tick only forces
		// a redraw.
		return m, tickCmd()
	}
	return m, nil
}

func (m watchModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Render("taskdeck watch")
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	phase, client, frames := m.state.snapshot()
	meta := fmt.Sprintf("%s  [%s", m.url, phase)
	if client != "" {
		meta += " · client " + shortID(client)
	}
	meta += fmt.Sprintf(" · %d frames]", frames)

	return title + "  " + dim.Render(meta) + "\n\n" +
		m.feed.View() + "\n" +
		dim.Render("Press q to quit.") + "\n"
}

// Watch follows the server's push stream and renders the envelope feed
// until ctx is canceled or the user quits.
func Watch(ctx context.Context, baseURL string) error {
	defer bestEffortResetTTY()

	feed := NewFeed()
	state := &connState{phase: "connecting"}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readStream(ctx, baseURL, feed, state)

	m := watchModel{url: baseURL, feed: feed, state: state}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// readStream keeps the push-stream subscription alive, reconnecting with
// capped backoff whenever it drops.
func readStream(ctx context.Context, baseURL string, feed *Feed, state *connState) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		sawFrames := followStream(ctx, baseURL, feed, state)
		if ctx.Err() != nil {
			return
		}
		if sawFrames {
			backoff = time.Second
		}
		state.setPhase("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// followStream consumes one /events connection until it drops. Reports
// whether any frame arrived, so the caller can reset its backoff.
func followStream(ctx context.Context, baseURL string, feed *Feed, state *connState) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	state.setPhase("live")
	sawFrames := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		frame, err := wire.DecodeFrame([]byte(data))
		if err != nil {
			continue
		}
		sawFrames = true
		state.bump()
		if frame.Type == wire.TypeConnected {
			var p wire.ConnectedPayload
			if json.Unmarshal(frame.Payload, &p) == nil {
				state.setClient(p.ClientID)
			}
		}
		if icon, text, show := summarize(frame); show {
			feed.Add(icon, text)
		}
	}
	return sawFrames
}

// summarize renders one envelope as a feed line. The bool is false for
// frames the feed does not show (pings, subscription acks).
func summarize(frame *wire.Frame) (icon, text string, show bool) {
	switch frame.Type {
	case wire.TypeConnected:
		var p wire.ConnectedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		return "●", "connected as " + shortID(p.ClientID), true

	case wire.TypePlanCreated:
		var p wire.PlanUpdatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		return "📋", fmt.Sprintf("plan created: %s (%d subtasks)", shortID(p.ParentTaskID), len(p.Subtasks)), true

	case wire.TypeApprovalRequest:
		var p wire.ApprovalRequestPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		return "🔔", fmt.Sprintf("approval needed: %s (%d subtasks)", p.PlanSummary, len(p.Subtasks)), true

	case wire.TypePlanApproved:
		var p wire.PlanUpdatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		return "✅", "plan approved: " + shortID(p.ParentTaskID), true

	case wire.TypePlanRejected:
		var p wire.PlanUpdatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		return "❌", "plan rejected: " + shortID(p.ParentTaskID), true

	case wire.TypePlanUpdate:
		var p wire.PlanUpdatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		return "↻", fmt.Sprintf("plan %s: %s", p.Status, shortID(p.ParentTaskID)), true

	case wire.TypeTaskUpdate:
		var p wire.TaskUpdatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		if status, ok := p.Changes["status"].(string); ok {
			if created, _ := p.Changes["created"].(bool); created {
				return "✚", fmt.Sprintf("task created: %s (%s)", shortID(p.TaskID), status), true
			}
			return "✎", fmt.Sprintf("task %s → %s", shortID(p.TaskID), status), true
		}
		return "✎", "task updated: " + shortID(p.TaskID), true

	case wire.TypeProgressUpdate:
		var p wire.ProgressUpdatePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return "", "", false
		}
		text := fmt.Sprintf("task %s at %d%%", shortID(p.TaskID), p.Progress)
		if p.CurrentStep != "" {
			text += ": " + p.CurrentStep
		}
		return "▸", text, true
	}

	return "", "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
