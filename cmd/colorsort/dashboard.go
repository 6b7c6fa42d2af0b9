package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/colorsort/pkg/servo"
	"github.com/gwillem/colorsort/pkg/sorting"
)

const (
	headerHeight = 3 // title + status + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
	maxDistance  = 200.0
)

// Object colors as terminal colors
var objectColors = map[string]string{
	"red":     "196",
	"green":   "46",
	"blue":    "33",
	"yellow":  "226",
	"magenta": "201",
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func colorStyle(name string) lipgloss.Style {
	c, ok := objectColors[name]
	if !ok {
		c = "250"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Bold(true)
}

type sortModel struct {
	cycle   *sorting.Cycle
	steps   <-chan servo.Step
	logsCh  <-chan string
	results <-chan runResult
	cancel  context.CancelFunc
	colors  []string

	chart    *streamlinechart.Model
	width    int
	height   int
	logs     []string
	status   sorting.Status
	step     servo.Step
	stopping bool
	result   *runResult
}

// Messages from the sort cycle
type statusMsg sorting.Status
type stepMsg servo.Step
type logMsg string
type doneMsg runResult

func waitForStatus(c *sorting.Cycle) tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-c.Status())
	}
}

func waitForStep(ch <-chan servo.Step) tea.Cmd {
	return func() tea.Msg {
		return stepMsg(<-ch)
	}
}

func waitForLog(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ch)
	}
}

func waitForResult(ch <-chan runResult) tea.Cmd {
	return func() tea.Msg {
		return doneMsg(<-ch)
	}
}

func newSortModel(cycle *sorting.Cycle, steps <-chan servo.Step, logs <-chan string, results <-chan runResult, cancel context.CancelFunc, colors []string) sortModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(0, maxDistance),
	)
	for _, name := range colors {
		chart.SetDataSetStyles(name, runes.ThinLineStyle, colorStyle(name).UnsetBold())
	}
	return sortModel{
		cycle:   cycle,
		steps:   steps,
		logsCh:  logs,
		results: results,
		cancel:  cancel,
		colors:  colors,
		chart:   &chart,
	}
}

func (m *sortModel) addLog(msg string) {
	m.logs = append(m.logs, strings.TrimRight(msg, "\n"))
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *sortModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m sortModel) Init() tea.Cmd {
	return tea.Batch(
		waitForStatus(m.cycle),
		waitForStep(m.steps),
		waitForLog(m.logsCh),
		waitForResult(m.results),
	)
}

func (m sortModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.stopping {
				// second press: leave without waiting for the retreat
				return m, tea.Quit
			}
			m.stopping = true
			m.cancel()
			m.addLog("stopping, returning home...")
		}
		return m, nil

	case statusMsg:
		m.status = sorting.Status(msg)
		return m, waitForStatus(m.cycle)

	case stepMsg:
		st := servo.Step(msg)
		m.step = st
		if st.Color != "" && st.Distance > 0 {
			m.chart.PushDataSet(st.Color, min(st.Distance, maxDistance))
			m.chart.DrawAll()
		}
		return m, waitForStep(m.steps)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.logsCh)

	case doneMsg:
		res := runResult(msg)
		m.result = &res
		return m, tea.Quit
	}

	return m, nil
}

func (m sortModel) View() string {
	if m.result != nil {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("colorsort"))
	if m.status.RunID != "" {
		sb.WriteString(statusStyle.Render(" run " + m.status.RunID))
	}
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to stop")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m sortModel) renderStatus() string {
	s := m.status
	if s.Pass == 0 {
		return statusStyle.Render("starting...")
	}
	line := fmt.Sprintf("pass %d  %s  %s", s.Pass, colorStyle(s.Color).Render(s.Color), s.Stage)
	if s.Stage == sorting.StageAlign && m.step.Color == s.Color {
		line += statusStyle.Render(fmt.Sprintf("  [%s, it %d, %.0f px]", m.step.State, m.step.Iteration, m.step.Distance))
	}
	line += fmt.Sprintf("   sorted %d", s.Sorted)
	if s.Failures > 0 {
		line += errorStyle.Render(fmt.Sprintf("  failures %d", s.Failures))
	}
	if m.stopping {
		line += statusStyle.Render("  stopping")
	}
	return line
}

func (m sortModel) renderLegend() string {
	var items []string
	for _, name := range m.colors {
		items = append(items, colorStyle(name).Render("━━")+" "+name)
	}
	return strings.Join(items, "  ") + statusStyle.Render("   servo distance (px)")
}
