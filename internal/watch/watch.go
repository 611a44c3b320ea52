// Package watch renders tracked pipelines as a live terminal dashboard. It
// is a plain consumer of the tracker: everything it shows comes from the
// same snapshot and change callbacks any other subscriber gets.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/track"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

const (
	actionTimeout = 5 * time.Second
	maxEvents     = 6
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchRunStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	watchSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

// view is the tracker surface the dashboard reads and acts through.
type view interface {
	Pipelines() []models.PipelineGroup
	ConnStates() map[string]models.ConnState
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) (models.Job, error)
}

// Run subscribes to the target and blocks in the dashboard until the user
// quits. The subscription is released on the way out.
func Run(tr *track.Tracker, target medialib.ListFilter) error {
	sub := tr.Subscribe(target)
	defer sub.Close()

	p := tea.NewProgram(newModel(tr), tea.WithAltScreen())

	off := tr.OnChange(func(ch track.Change) {
		p.Send(changeMsg{change: ch})
	})
	defer off()

	_, err := p.Run()
	return err
}

type changeMsg struct {
	change track.Change
}

type tickMsg time.Time

type actionDoneMsg struct {
	message string
	err     error
}

type model struct {
	tracker view

	groups []models.PipelineGroup
	conns  map[string]models.ConnState
	events []string

	cursor        int
	width         int
	height        int
	statusMessage string
	quitting      bool

	spin spinner.Model
	bar  progress.Model
}

func newModel(tr view) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = watchMutedStyle

	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 24

	return model{
		tracker: tr,
		groups:  tr.Pipelines(),
		conns:   tr.ConnStates(),
		spin:    sp,
		bar:     bar,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = clampInt(msg.Width-46, 12, 40)
		return m, nil

	case changeMsg:
		m.events = prependEvent(m.events, eventLine(msg.change))
		return m.refresh(), nil

	case tickMsg:
		return m.refresh(), tickCmd()

	case actionDoneMsg:
		if msg.err != nil {
			m.statusMessage = "error: " + msg.err.Error()
		} else {
			m.statusMessage = msg.message
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch keyMsg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.groups)-1 {
			m.cursor++
		}
		return m, nil
	case "c":
		job, ok := m.selectedActiveJob()
		if !ok {
			m.statusMessage = "nothing to cancel in this pipeline"
			return m, nil
		}
		m.statusMessage = "cancelling " + job.JobID + "..."
		return m, cancelCmd(m.tracker, job.JobID)
	case "r":
		job, ok := m.selectedFailedJob()
		if !ok {
			m.statusMessage = "no failed job to retry in this pipeline"
			return m, nil
		}
		m.statusMessage = "retrying " + job.JobID + "..."
		return m, retryCmd(m.tracker, job.JobID)
	}
	return m, nil
}

func (m model) refresh() model {
	m.groups = m.tracker.Pipelines()
	m.conns = m.tracker.ConnStates()
	if len(m.groups) == 0 {
		m.cursor = 0
	} else if m.cursor > len(m.groups)-1 {
		m.cursor = len(m.groups) - 1
	}
	return m
}

func (m model) selectedActiveJob() (models.Job, bool) {
	if m.cursor >= len(m.groups) {
		return models.Job{}, false
	}
	for _, j := range m.groups[m.cursor].Jobs {
		if !j.Status.Terminal() {
			return j, true
		}
	}
	return models.Job{}, false
}

func (m model) selectedFailedJob() (models.Job, bool) {
	if m.cursor >= len(m.groups) {
		return models.Job{}, false
	}
	for _, j := range m.groups[m.cursor].Jobs {
		if j.Status.Failure() {
			return j, true
		}
	}
	return models.Job{}, false
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if len(m.groups) == 0 {
		b.WriteString("\n" + m.spin.View() + watchMutedStyle.Render(" waiting for jobs...") + "\n")
	}

	for i, g := range m.groups {
		b.WriteString(m.renderGroup(g, i == m.cursor))
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, e := range m.events {
			b.WriteString(watchMutedStyle.Render(e) + "\n")
		}
	}

	b.WriteString("\n" + m.renderStatusLine())
	b.WriteString("\n" + watchMutedStyle.Render("q: quit | up/down: select | c: cancel | r: retry"))
	return b.String()
}

func (m model) renderHeader() string {
	jobs := 0
	for _, g := range m.groups {
		jobs += len(g.Jobs)
	}
	title := watchTitleStyle.Render("jobpulse watch")
	counts := watchMutedStyle.Render(fmt.Sprintf("%d pipelines | %d jobs", len(m.groups), jobs))
	return title + "  " + m.renderConnState() + "  " + counts
}

func (m model) renderConnState() string {
	phase := summarizeConns(m.conns)
	switch phase {
	case models.ConnConnected:
		return watchOKStyle.Render("● live")
	case models.ConnConnecting, models.ConnReconnecting:
		return watchRunStyle.Render("◌ reconnecting")
	default:
		return watchMutedStyle.Render("○ polling")
	}
}

// summarizeConns collapses per-target connection states into one phase for
// the header: any live stream wins, then any dial in flight.
func summarizeConns(conns map[string]models.ConnState) models.ConnPhase {
	phase := models.ConnClosed
	for _, st := range conns {
		switch st.Phase {
		case models.ConnConnected:
			return models.ConnConnected
		case models.ConnConnecting, models.ConnReconnecting:
			phase = models.ConnReconnecting
		}
	}
	return phase
}

func (m model) renderGroup(g models.PipelineGroup, selected bool) string {
	var b strings.Builder

	key := g.GroupKey
	if g.Ungrouped {
		key = key + " (single)"
	}
	key = truncate(key, 28)
	if selected {
		key = watchSelStyle.Render("> " + key)
	} else {
		key = "  " + key
	}

	line := fmt.Sprintf("%s  %s %3.0f%% %s", key, statusStyle(g.Status).Render(string(g.Status.Display())), g.Progress*100, m.bar.ViewAs(g.Progress))
	if speed := groupSpeed(g); speed != "" {
		line += "  " + watchMutedStyle.Render(speed)
	}
	if eta := groupETA(g); eta != "" {
		line += "  " + watchMutedStyle.Render("ETA "+eta)
	}
	b.WriteString(line + "\n")

	for _, step := range g.Steps {
		glyph := statusGlyph(step.Status)
		b.WriteString(fmt.Sprintf("      %s %-14s %s\n",
			statusStyle(step.Status).Render(glyph), step.Name,
			watchMutedStyle.Render(string(step.Status))))
	}
	return b.String()
}

func (m model) renderStatusLine() string {
	msg := strings.TrimSpace(m.statusMessage)
	if msg == "" {
		return ""
	}
	style := watchMutedStyle
	if strings.HasPrefix(strings.ToLower(msg), "error:") {
		style = watchErrorStyle
	}
	return style.Render(truncate(msg, maxInt(m.width-2, 20)))
}

func statusStyle(s models.JobStatus) lipgloss.Style {
	switch s.Display() {
	case models.JobStatusCompleted:
		return watchOKStyle
	case models.JobStatusFailed:
		return watchErrorStyle
	case models.JobStatusRunning:
		return watchRunStyle
	default:
		return watchMutedStyle
	}
}

// groupSpeed sums the download rates of the group's running jobs, the same
// aggregate a multi-worker download view shows.
func groupSpeed(g models.PipelineGroup) string {
	total := 0.0
	for _, j := range g.Jobs {
		if j.Status == models.JobStatusRunning && j.DownloadSpeed != nil {
			total += *j.DownloadSpeed
		}
	}
	return formatSpeed(total)
}

// groupETA is the highest remaining estimate among running jobs; the
// pipeline is done when its slowest member is.
func groupETA(g models.PipelineGroup) string {
	eta := 0
	for _, j := range g.Jobs {
		if j.Status == models.JobStatusRunning && j.ETASeconds != nil && *j.ETASeconds > eta {
			eta = *j.ETASeconds
		}
	}
	return formatETA(eta)
}

func eventLine(ch track.Change) string {
	when := time.Now().Format("15:04:05")
	if ch.Removed {
		return fmt.Sprintf("%s  %s removed (replaced by retry)", when, ch.Job.JobID)
	}
	return fmt.Sprintf("%s  %s -> %s", when, ch.Job.JobID, ch.Job.Status)
}

func prependEvent(events []string, line string) []string {
	events = append([]string{line}, events...)
	if len(events) > maxEvents {
		events = events[:maxEvents]
	}
	return events
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func cancelCmd(tr view, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := tr.Cancel(ctx, jobID); err != nil {
			return actionDoneMsg{err: fmt.Errorf("cancel %s: %w", jobID, err)}
		}
		return actionDoneMsg{message: "cancel requested for " + jobID}
	}
}

func retryCmd(tr view, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		created, err := tr.Retry(ctx, jobID)
		if err != nil {
			return actionDoneMsg{err: fmt.Errorf("retry %s: %w", jobID, err)}
		}
		return actionDoneMsg{message: "retry submitted as " + created.JobID}
	}
}
