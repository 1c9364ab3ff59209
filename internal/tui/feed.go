// Package tui renders the live dashboard feed in a terminal. `taskdeck
// watch` follows the server's push stream and shows one line per envelope.
package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// FeedItem is one rendered envelope.
type FeedItem struct {
	At   time.Time
	Icon string
	Text string
}

// Feed is a bounded, newest-last event list shared between the stream
// reader and the view.
type Feed struct {
	mu       sync.Mutex
	items    []FeedItem
	maxItems int
}

func NewFeed() *Feed {
	return &Feed{maxItems: 15}
}

func (f *Feed) Add(icon, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, FeedItem{At: time.Now(), Icon: icon, Text: text})
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *Feed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if len(f.items) == 0 {
		return dim.Render("── waiting for events ──") + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── events ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s %s", dim.Render(it.At.Format("15:04:05")), it.Icon, it.Text)
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
