// Package main – watch subcommand: live coordination table rendered with
// bubbletea + lipgloss, fed by observing the broadcast bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/a-velichko/draftcore/internal/bus"
	"github.com/a-velichko/draftcore/internal/presence"
)

const (
	watchRefreshInterval = 500 * time.Millisecond
	watchEventBacklog    = 8

	// A leader heartbeat older than this is treated as missing; matches the
	// upper election timeout, after which survivors will have re-elected.
	leaderStaleAfter = 8 * time.Second
)

// ---- Data types -------------------------------------------------------------

type watchRow struct {
	projectID string
	instances int
}

type busEvent struct {
	at         time.Time
	kind       string
	instanceID string
	projectID  string
}

// observer accumulates leadership and raw traffic from the bus.
type observer struct {
	mu         sync.Mutex
	leaderID   string
	leaderSeen time.Time
	events     []busEvent
}

func (o *observer) handle(msg bus.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch msg.Kind {
	case bus.KindLeaderHeartbeat, bus.KindLeaderAnnounce:
		if msg.Kind == bus.KindLeaderHeartbeat {
			o.leaderID = msg.InstanceID
			o.leaderSeen = time.Now()
		}
	case bus.KindLeaderStepdown:
		if msg.InstanceID == o.leaderID {
			o.leaderID = ""
		}
	}

	o.events = append(o.events, busEvent{
		at:         time.Now(),
		kind:       string(msg.Kind),
		instanceID: msg.InstanceID,
		projectID:  msg.ProjectID,
	})
	if len(o.events) > watchEventBacklog {
		o.events = o.events[len(o.events)-watchEventBacklog:]
	}
}

func (o *observer) snapshot() (string, time.Time, []busEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	events := make([]busEvent, len(o.events))
	copy(events, o.events)
	return o.leaderID, o.leaderSeen, events
}

// ---- Bubbletea messages -----------------------------------------------------

type tickMsg time.Time

type stateMsg struct {
	rows       []watchRow
	leaderID   string
	leaderSeen time.Time
	events     []busEvent
	ts         time.Time
}

// ---- Lipgloss styles --------------------------------------------------------

type uiStyles struct {
	appHeader   lipgloss.Style
	tsStyle     lipgloss.Style
	tableHeader lipgloss.Style
	project     lipgloss.Style
	countOne    lipgloss.Style
	countMulti  lipgloss.Style
	leaderOK    lipgloss.Style
	leaderNone  lipgloss.Style
	eventTime   lipgloss.Style
	eventKind   lipgloss.Style
	footer      lipgloss.Style
	divider     lipgloss.Style
	sumDim      lipgloss.Style
	sumMulti    lipgloss.Style
}

var styles = buildStyles()

func buildStyles() uiStyles {
	return uiStyles{
		appHeader:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		tsStyle:     lipgloss.NewStyle().Faint(true),
		tableHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
		project:     lipgloss.NewStyle(),
		countOne:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		countMulti:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		leaderOK:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		leaderNone:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		eventTime:   lipgloss.NewStyle().Faint(true),
		eventKind:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		footer:      lipgloss.NewStyle().Faint(true),
		divider:     lipgloss.NewStyle().Faint(true),
		sumDim:      lipgloss.NewStyle().Faint(true),
		sumMulti:    lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

// ---- Bubbletea model --------------------------------------------------------

type watchModel struct {
	rows       []watchRow
	leaderID   string
	leaderSeen time.Time
	events     []busEvent
	ts         time.Time
	width      int
	height     int

	snapshotFn func() stateMsg
}

func newWatchModel(snapshotFn func() stateMsg) watchModel {
	return watchModel{
		snapshotFn: snapshotFn,
		width:      100,
		height:     40,
	}
}

func (m watchModel) Init() tea.Cmd {
	// stateMsg schedules the next tick, keeping one poll in flight at a time.
	return m.pollCmd()
}

func (m watchModel) pollCmd() tea.Cmd {
	fn := m.snapshotFn
	return func() tea.Msg { return fn() }
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, m.pollCmd()

	case stateMsg:
		m.rows = msg.rows
		m.leaderID = msg.leaderID
		m.leaderSeen = msg.leaderSeen
		m.events = msg.events
		m.ts = msg.ts
		tickFn := func(t time.Time) tea.Msg { return tickMsg(t) }
		return m, tea.Tick(watchRefreshInterval, tickFn)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}

	var b strings.Builder

	b.WriteString("  ")
	b.WriteString(styles.appHeader.Render("draftcore watch"))
	b.WriteString("  ")
	b.WriteString(styles.tsStyle.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")

	b.WriteString(m.renderLeaderLine())
	b.WriteString("\n")
	b.WriteString(renderSummary(m.rows))
	b.WriteString("\n\n")

	projectWidth := clampInt(contentWidth-10, 20, 60)
	header := fmt.Sprintf("%-*s %8s", projectWidth, "PROJECT", "WINDOWS")
	b.WriteString(styles.tableHeader.Width(contentWidth).MaxWidth(contentWidth).Render(header))
	b.WriteString("\n")

	if len(m.rows) == 0 {
		b.WriteString(styles.sumDim.Render("  no open projects observed"))
		b.WriteString("\n")
	}
	for _, r := range m.rows {
		count := styles.countOne.Render(fmt.Sprintf("%8d", r.instances))
		if r.instances >= 2 {
			count = styles.countMulti.Render(fmt.Sprintf("%8d", r.instances))
		}
		b.WriteString(styles.project.Render(fmt.Sprintf("%-*s", projectWidth, shorten(r.projectID, projectWidth))))
		b.WriteString(" ")
		b.WriteString(count)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(styles.divider.Render(strings.Repeat("─", clampInt(contentWidth, 20, 120))))
	b.WriteString("\n")
	for _, ev := range m.events {
		line := fmt.Sprintf("%s %s %s",
			styles.eventTime.Render(ev.at.Format("15:04:05")),
			styles.eventKind.Render(fmt.Sprintf("%-16s", ev.kind)),
			ev.instanceID,
		)
		if ev.projectID != "" {
			line += styles.sumDim.Render(" project=" + ev.projectID)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(styles.footer.Render("q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m watchModel) renderLeaderLine() string {
	if m.leaderID == "" || time.Since(m.leaderSeen) > leaderStaleAfter {
		return styles.leaderNone.Render("leader: none observed")
	}
	age := time.Since(m.leaderSeen).Round(100 * time.Millisecond)
	return styles.leaderOK.Render(fmt.Sprintf("leader: %s", m.leaderID)) +
		styles.sumDim.Render(fmt.Sprintf(" (heartbeat %s ago)", age))
}

// renderSummary returns the "[N projects] [N multi-open]" line.
func renderSummary(rows []watchRow) string {
	multi := 0
	for _, r := range rows {
		if r.instances >= 2 {
			multi++
		}
	}
	bracket := func(st lipgloss.Style, label string, n int) string {
		d := styles.sumDim
		return d.Render("[") + st.Render(fmt.Sprintf("%d", n)) + d.Render(" "+label+"]")
	}
	return strings.Join([]string{
		bracket(lipgloss.NewStyle(), "projects", len(rows)),
		bracket(styles.sumMulti, "multi-open", multi),
	}, " ")
}

// ---- Entry point ------------------------------------------------------------

// cmdWatch joins the spool bus as a passive observer and renders the live
// coordination state. It opens no projects, so the counts it shows are not
// disturbed by the watcher itself.
func cmdWatch(spoolDir string, logger *slog.Logger) error {
	instanceID := "draftctl-" + uuid.NewString()[:8]

	b, err := bus.NewSpool(spoolDir, instanceID, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	tracker, err := presence.New(instanceID, b, logger)
	if err != nil {
		return err
	}
	defer tracker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.Run(ctx)

	obs := &observer{}
	unsub := b.Subscribe(obs.handle)
	defer unsub()

	snapshotFn := func() stateMsg {
		counts := tracker.OpenProjects()
		rows := make([]watchRow, 0, len(counts))
		for projectID, n := range counts {
			rows = append(rows, watchRow{projectID: projectID, instances: n})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].projectID < rows[j].projectID })

		leaderID, leaderSeen, events := obs.snapshot()
		return stateMsg{
			rows:       rows,
			leaderID:   leaderID,
			leaderSeen: leaderSeen,
			events:     events,
			ts:         time.Now(),
		}
	}

	model := newWatchModel(snapshotFn)
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// ---- Small helpers ----------------------------------------------------------

func shorten(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(s) <= width {
		return s
	}
	if width <= 1 {
		return s[:width]
	}
	return s[:width-1] + "…"
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
