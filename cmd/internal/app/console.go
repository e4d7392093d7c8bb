package app

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"emconsole/cmd/internal/chat"
	"emconsole/cmd/internal/monitoring"
	v1 "emconsole/shared/contracts/feed/v1"
)

// console serializes terminal output from the loop and the input goroutine.
type console struct {
	mu sync.Mutex
	w  io.Writer

	lastAlert int

	// chat rendering state
	selected string
	printed  int
	unread   int
	lastErr  string
}

func newConsole(w io.Writer) *console {
	if w == nil {
		w = io.Discard
	}
	return &console{w: w}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}

// view renders a monitoring view as a one-line summary plus the hourly profile.
// Alerts are printed once, when they first appear.
func (c *console) view(v monitoring.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range v.Alerts {
		if a.ID <= c.lastAlert {
			continue
		}
		c.lastAlert = a.ID
		_, _ = fmt.Fprintf(c.w, "ALERT [%s] %s\n", a.Timestamp.Format("2006-01-02 15:04"), a.Message)
	}

	switch {
	case v.DeviceID == "":
		_, _ = fmt.Fprintln(c.w, "no device selected")
		return
	case v.Loading:
		_, _ = fmt.Fprintf(c.w, "%s %s: loading...\n", v.DeviceID, v.Date)
		return
	case v.Err != "":
		_, _ = fmt.Fprintf(c.w, "%s %s: %s\n", v.DeviceID, v.Date, v.Err)
		return
	}

	hour, peak := v.Profile.Peak()
	_, _ = fmt.Fprintf(c.w, "%s %s: total %.3f kWh, peak %.3f kWh at %s (%d samples)\n",
		v.DeviceID, v.Date, v.Profile.Total(), peak, monitoring.HourLabel(hour), len(v.Samples))
	for h, kwh := range v.Profile {
		if kwh == 0 {
			continue
		}
		_, _ = fmt.Fprintf(c.w, "  %5s %8.3f %s\n", monitoring.HourLabel(h), kwh, bar(kwh, peak))
	}
}

func bar(v, peak float64) string {
	const width = 30
	if peak <= 0 {
		return ""
	}
	return strings.Repeat("#", int(v/peak*width+0.5))
}

// chatState prints history entries not yet shown, and unread or error changes.
// A new selection or a replaced (shorter) history is printed from the start.
func (c *console) chatState(s chat.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.SelectedUserID != c.selected || len(s.History) < c.printed {
		c.selected = s.SelectedUserID
		c.printed = 0
	}
	for _, e := range s.History[c.printed:] {
		_, _ = fmt.Fprintln(c.w, formatEntry(e))
	}
	c.printed = len(s.History)

	if s.UnreadCount != c.unread {
		c.unread = s.UnreadCount
		if s.UnreadCount > 0 {
			_, _ = fmt.Fprintf(c.w, "(%d unread)\n", s.UnreadCount)
		}
	}
	if s.LastError != c.lastErr {
		c.lastErr = s.LastError
		if s.LastError != "" {
			_, _ = fmt.Fprintf(c.w, "error: %s\n", s.LastError)
		}
	}
}

func (c *console) sessions(list []v1.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(list) == 0 {
		_, _ = fmt.Fprintln(c.w, "no sessions")
		return
	}
	for _, s := range list {
		_, _ = fmt.Fprintf(c.w, "%s %-16s unread=%d %s\n", s.UserID, s.Username, s.UnreadAdminCount, chat.LastMessagePreview(s))
	}
}

func (c *console) history(entries []chat.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		_, _ = fmt.Fprintln(c.w, formatEntry(e))
	}
}

func formatEntry(e chat.Entry) string {
	m := e.Message
	name := m.Username
	if name == "" {
		name = string(m.Role)
	}
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04:05"), name, m.Text)
	if e.State == chat.EntryPending {
		line += " (sending)"
	}
	return line
}
