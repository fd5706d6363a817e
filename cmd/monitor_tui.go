// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/calink/pkg/ca"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Live state of one PV
type pvRow struct {
	name      string
	connected bool
	value     string
	meta      *ca.Metadata
	severity  int16
	status    int16
	updated   time.Time
	updates   int
}

// Messages
type subscribedMsg struct {
	conns map[string]*ca.Connection
}

type logLineMsg string

type writeDoneMsg struct {
	name  string
	value string
	err   error
}

type monitorModel struct {
	connInfo      string
	names         []string
	rows          map[string]*pvRow
	conns         map[string]*ca.Connection
	writeMu       *sync.Mutex
	table         table.Model
	input         textinput.Model
	editing       string
	eventLog      []logEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

func initialMonitorModel(connInfo string, names []string) monitorModel {
	rows := make(map[string]*pvRow, len(names))
	for _, n := range names {
		rows[n] = &pvRow{name: n}
	}

	t := table.New(
		table.WithColumns(monitorColumns(80)),
		table.WithFocused(true),
		table.WithHeight(len(names)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(s)

	ti := textinput.New()
	ti.Placeholder = "new value"
	ti.CharLimit = 256
	ti.Width = 40

	m := monitorModel{
		connInfo:      connInfo,
		names:         names,
		rows:          rows,
		conns:         map[string]*ca.Connection{},
		writeMu:       &sync.Mutex{},
		table:         t,
		input:         ti,
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
	m.refreshTable()
	return m
}

func monitorColumns(width int) []table.Column {
	nameWidth := 24
	valueWidth := width - nameWidth - 8 - 10 - 8 - 12 - 8 - 16
	if valueWidth < 12 {
		valueWidth = 12
	}
	return []table.Column{
		{Title: "PV", Width: nameWidth},
		{Title: "Value", Width: valueWidth},
		{Title: "Units", Width: 8},
		{Title: "Severity", Width: 10},
		{Title: "Status", Width: 8},
		{Title: "Updated", Width: 12},
		{Title: "Count", Width: 8},
	}
}

func (m monitorModel) Init() tea.Cmd {
	return nil
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(monitorColumns(msg.Width))
		m.table.SetWidth(msg.Width - 4)

	case pvUpdate:
		m.applyUpdate(msg)
		m.refreshTable()

	case subscribedMsg:
		m.conns = msg.conns
		m.addLogEntry(fmt.Sprintf("Monitoring %d of %d PVs", len(msg.conns), len(m.names)), len(msg.conns) < len(m.names))

	case logLineMsg:
		m.addLogEntry(strings.TrimSpace(string(msg)), true)

	case writeDoneMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.name, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("%s <- %s", msg.name, msg.value), false)
		}
	}
	return m, nil
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing != "" {
		switch msg.String() {
		case "esc":
			m.stopEditing()
			return m, nil
		case "enter":
			name, text := m.editing, m.input.Value()
			m.stopEditing()
			c, ok := m.conns[name]
			if !ok || strings.TrimSpace(text) == "" {
				return m, nil
			}
			return m, writeCmd(c, m.writeMu, name, text)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "enter":
		row := m.table.SelectedRow()
		if len(row) == 0 {
			return m, nil
		}
		if _, ok := m.conns[row[0]]; !ok {
			m.addLogEntry(fmt.Sprintf("%s is not subscribed", row[0]), true)
			return m, nil
		}
		m.editing = row[0]
		m.input.SetValue("")
		m.table.Blur()
		return m, m.input.Focus()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *monitorModel) stopEditing() {
	m.editing = ""
	m.input.Blur()
	m.table.Focus()
}

// applyUpdate folds a monitor callback into the PV's row
func (m *monitorModel) applyUpdate(u pvUpdate) {
	row, ok := m.rows[u.name]
	if !ok {
		return
	}

	if u.connected != nil {
		row.connected = *u.connected
		if row.connected {
			m.addLogEntry(u.name+" connected", false)
		} else {
			m.addLogEntry(u.name+" disconnected", true)
		}
		return
	}

	ev := u.event
	if ev == nil {
		return
	}
	if ev.Status != ca.StatusNormal {
		m.addLogEntry(fmt.Sprintf("%s: %s", u.name, ev.Status), true)
		return
	}
	row.connected = true
	if v := ev.Value; v != nil {
		if v.Meta != nil {
			row.meta = v.Meta
		}
		row.value = formatData(v, row.meta)
		row.severity = v.Severity
		row.status = v.Status
		row.updated = v.Stamp
	}
	if row.updated.IsZero() {
		row.updated = time.Now()
	}
	row.updates++
}

func (m *monitorModel) refreshTable() {
	rows := make([]table.Row, 0, len(m.names))
	for _, n := range m.names {
		r := m.rows[n]
		value := r.value
		if !r.connected && r.updates > 0 {
			value = "<disconnected>"
		}
		units, updated := "", ""
		if r.meta != nil {
			units = r.meta.Units
		}
		if !r.updated.IsZero() {
			updated = r.updated.Format("15:04:05.000")
		}
		rows = append(rows, table.Row{
			r.name,
			value,
			units,
			severityName(r.severity),
			alarmStatusName(r.status),
			updated,
			strconv.Itoa(r.updates),
		})
	}
	m.table.SetRows(rows)
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// writeCmd writes text to the PV off the UI goroutine
func writeCmd(c *ca.Connection, mu *sync.Mutex, name, text string) tea.Cmd {
	return func() tea.Msg {
		mu.Lock()
		defer mu.Unlock()

		field := c.FieldType()
		args := strings.Fields(text)
		if field == ca.FieldString && c.ElementCount() <= 1 {
			args = []string{text}
		}
		value, count, err := parsePutValues(args, field)
		if err != nil {
			return writeDoneMsg{name: name, err: err}
		}
		t := ca.RequestString
		if count > 0 {
			t = field.Request(ca.FamilyPlain)
		}
		if r := c.WriteChannel(nil, nil, t, count, value); r != ca.ResultSuccess {
			return writeDoneMsg{name: name, err: fmt.Errorf("write %s (%s)", r, c.WriteResult())}
		}
		return writeDoneMsg{name: name, value: text}
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	infoStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("CALINK - PV MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | enter: write | q: quit", m.connInfo)))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n")

	if m.editing != "" {
		s.WriteString(labelStyle.Render(fmt.Sprintf("Write %s: ", m.editing)))
		s.WriteString(m.input.View())
		s.WriteString(headerStyle.Render("  (enter to send, esc to cancel)"))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - len(m.names) - 12
	if logHeight < 3 {
		logHeight = 3
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	var logContent strings.Builder
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.eventLog[startIdx:] {
		timestamp := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			logContent.WriteString(fmt.Sprintf("%s %s\n", timestamp, errorStyle.Render("✗ "+entry.message)))
		} else {
			logContent.WriteString(fmt.Sprintf("%s %s\n", timestamp, infoStyle.Render("ℹ "+entry.message)))
		}
	}

	width := m.width - 4
	if width < 20 {
		width = 20
	}
	s.WriteString(boxStyle.Width(width).Render(logContent.String()))
	return s.String()
}

// logWriter turns error output into event log lines
type logWriter struct {
	p *tea.Program
}

func (w logWriter) Write(b []byte) (int, error) {
	w.p.Send(logLineMsg(b))
	return len(b), nil
}

func runMonitorTUI(cmd *cobra.Command, sess *pvSession, names []string) error {
	m := initialMonitorModel(sess.lib.info, names)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

	// Subscribing waits for callbacks, which need the program running
	go func() {
		conns := subscribeAll(sess, names, teaSink(p), logWriter{p: p})
		p.Send(subscribedMsg{conns: conns})
	}()

	if _, err := p.Run(); err != nil && cmd.Context().Err() == nil {
		return fmt.Errorf("monitor UI failed: %w", err)
	}
	return nil
}
