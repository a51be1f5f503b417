// Package monitor is a terminal view of a running daemon's state tree. It
// subscribes over IPC and redraws on every change event.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-isatty"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/daemon"
	"github.com/eucalyptus-twig/twig/pkg/hub"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// flashFor is how long a changed row stays highlighted.
const flashFor = 1500 * time.Millisecond

// Source yields stream messages. *daemon.Stream implements it.
type Source interface {
	Next() (daemon.StreamMessage, error)
}

// StreamEvent carries one message read from the Source into the update loop.
type StreamEvent struct {
	Msg daemon.StreamMessage
}

// StreamErrEvent ends the stream.
type StreamErrEvent struct {
	Err error
}

// TickEvent clears expired highlights.
type TickEvent struct {
	Time time.Time
}

// WaitCmd reads the next message from src.
func WaitCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		m, err := src.Next()
		if err != nil {
			return StreamErrEvent{Err: err}
		}
		return StreamEvent{Msg: m}
	}
}

// TickCmd schedules a TickEvent after d.
func TickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickEvent{Time: t}
	})
}

// Model is the bubbletea model of the monitor.
type Model struct {
	src     Source
	filters []string
	now     func() time.Time

	entries map[string]state.Entry
	changed map[string]time.Time
	seq     uint64
	events  int
	resyncs int
	err     error

	width, height int
	offset        int
	help          help.Model
}

// NewModel creates a model reading from src. filters are shown in the header.
func NewModel(src Source, filters ...string) Model {
	return Model{
		src:     src,
		filters: filters,
		now:     time.Now,
		entries: make(map[string]state.Entry),
		changed: make(map[string]time.Time),
		width:   80,
		height:  24,
		help:    help.New(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(WaitCmd(m.src), TickCmd(time.Second))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.clampOffset()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Down):
			m.offset++
		case key.Matches(msg, keys.Up):
			m.offset--
		case key.Matches(msg, keys.PgDown):
			m.offset += m.rows()
		case key.Matches(msg, keys.PgUp):
			m.offset -= m.rows()
		case key.Matches(msg, keys.Top):
			m.offset = 0
		case key.Matches(msg, keys.Bottom):
			m.offset = len(m.entries)
		}
		m.clampOffset()
		return m, nil

	case StreamEvent:
		m.apply(msg.Msg)
		return m, WaitCmd(m.src)

	case StreamErrEvent:
		m.err = msg.Err
		return m, nil

	case TickEvent:
		for k, at := range m.changed {
			if msg.Time.Sub(at) > flashFor {
				delete(m.changed, k)
			}
		}
		return m, TickCmd(time.Second)
	}
	return m, nil
}

func (m *Model) apply(msg daemon.StreamMessage) {
	switch msg.Type {
	case daemon.TypeSnapshot, daemon.TypeResync:
		if msg.Type == daemon.TypeResync {
			m.resyncs++
		}
		m.entries = make(map[string]state.Entry, len(msg.Entries))
		for _, e := range msg.Entries {
			m.entries[e.Key] = e
		}
		m.seq = msg.Seq
	case daemon.TypeEvent:
		ev := msg.Event
		if ev == nil {
			return
		}
		m.events++
		m.seq = ev.Seq
		if ev.Removed() {
			delete(m.entries, ev.Key)
			delete(m.changed, ev.Key)
			break
		}
		m.entries[ev.Key] = state.Entry{
			Key:       ev.Key,
			Value:     ev.New,
			Stale:     ev.Stale,
			Owner:     ev.Owner,
			UpdatedAt: ev.Timestamp,
		}
		m.changed[ev.Key] = m.now()
	case daemon.TypeStale:
		n := msg.Stale
		if n == nil {
			return
		}
		m.seq = msg.Seq
		for k, e := range m.entries {
			if n.Covers(k) {
				e.Stale = n.Stale
				m.entries[k] = e
			}
		}
	}
	m.clampOffset()
}

// Len returns the number of keys shown.
func (m Model) Len() int { return len(m.entries) }

// Seq returns the last sequence number seen.
func (m Model) Seq() uint64 { return m.seq }

// Err returns the error that ended the stream, if any.
func (m Model) Err() error { return m.err }

// Entry returns the displayed entry for key.
func (m Model) Entry(key string) (state.Entry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

func (m Model) keys() []string {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// rows is the number of entry lines that fit between header and footer.
func (m Model) rows() int {
	if r := m.height - 3; r > 0 {
		return r
	}
	return 1
}

func (m *Model) clampOffset() {
	if limit := len(m.entries) - m.rows(); m.offset > limit {
		m.offset = limit
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

func (m Model) View() string {
	var b strings.Builder

	title := " twig monitor"
	if len(m.filters) > 0 {
		title += "  " + strings.Join(m.filters, " ")
	}
	stats := fmt.Sprintf("seq %d  keys %d  events %d  resyncs %d ", m.seq, len(m.entries), m.events, m.resyncs)
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(stats)
	if gap < 1 {
		gap = 1
	}
	b.WriteString(headerStyle.Render(title + strings.Repeat(" ", gap) + stats))
	b.WriteString("\n")

	names := m.keys()
	keyW := 0
	for _, k := range names {
		keyW = max(keyW, len(k))
	}
	end := min(len(names), m.offset+m.rows())
	for _, k := range names[m.offset:end] {
		e := m.entries[k]
		val := e.Value.String()
		vs := valueStyle
		switch {
		case e.Stale || m.ownerDown(e.Owner):
			vs = staleStyle
			val += " (stale)"
		case !m.changed[k].IsZero():
			vs = flashStyle
		}
		if m.width > 0 {
			val = truncate(val, m.width-keyW-2)
		}
		b.WriteString(keyStyle.Render(fmt.Sprintf(" %-*s ", keyW, k)) + vs.Render(val))
		b.WriteString("\n")
	}
	if len(names) == 0 {
		b.WriteString(footerStyle.Render(" waiting for state..."))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(" stream closed: " + m.err.Error()))
	} else {
		b.WriteString(" " + m.help.View(keys))
	}
	return b.String()
}

// ownerDown reports whether the adapter that owns a key is degraded or
// failed according to its adapter.<name> entry.
func (m Model) ownerDown(owner string) bool {
	if owner == "" {
		return false
	}
	e, ok := m.entries[state.Join(hub.ReservedNamespace, state.Sanitize(owner))]
	if !ok || e.Value == nil {
		return false
	}
	st, err := adapters.ParseState(e.Value.String())
	return err == nil && st.Stale()
}

func truncate(s string, n int) string {
	if n < 1 {
		n = 1
	}
	return ansi.Truncate(s, n, "…")
}

// ErrNotTerminal is returned by Run when stdout is not a terminal.
var ErrNotTerminal = errors.New("monitor needs a terminal; use -snapshot for scripts")

// Run subscribes to the daemon at c with filters and runs the monitor until
// the user quits or ctx is done.
func Run(ctx context.Context, c *daemon.IPCClient, filters ...string) error {
	if fd := os.Stdout.Fd(); !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return ErrNotTerminal
	}
	s, err := c.Subscribe(ctx, filters...)
	if err != nil {
		return err
	}
	defer s.Close()

	p := tea.NewProgram(NewModel(s, filters...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
