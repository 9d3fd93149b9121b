package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"specdrive/internal/models"
	"specdrive/internal/orchestrator"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

type App struct {
	orch *orchestrator.Orchestrator

	view        View
	runs        []*models.SpecRun
	selectedIdx int

	selectedRun     *models.SpecRun
	invocations     []*models.AgentInvocation
	decisions       map[models.Stage]*models.GateDecision
	selectedInvIdx  int
	outputContent   string
	outputAgentName string

	spin   spinner.Model
	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	return &App{
		orch:      orch,
		view:      ViewRunList,
		decisions: make(map[models.Stage]*models.GateDecision),
		spin:      s,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.spin.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		switch run.Status {
		case models.RunStatusRunning, models.RunStatusAwaitingGate:
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.runs) - 1
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList && a.hasActiveRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.selectedRun = msg.run
		a.invocations = msg.invocations
		a.decisions = msg.decisions
		a.err = msg.err
		if a.err == nil {
			a.view = ViewRunDetail
		}
		return a, nil

	case runAbortedMsg:
		a.err = msg.err
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.abortRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.invocations = nil
		a.selectedInvIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedInvIdx > 0 {
			a.selectedInvIdx--
		}

	case "down", "j":
		if a.selectedInvIdx < len(a.invocations)-1 {
			a.selectedInvIdx++
		}

	case "enter", "o":
		if len(a.invocations) > 0 && a.selectedInvIdx < len(a.invocations) {
			inv := a.invocations[a.selectedInvIdx]
			a.outputAgentName = inv.AgentName
			a.outputContent = inv.RawOutput
			if a.outputContent == "" && inv.ErrText != "" {
				a.outputContent = "error: " + inv.ErrText
			}
			a.view = ViewOutput
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.outputContent = ""

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Specdrive") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with: specdrive advance <spec-id>\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			active := run.Status == models.RunStatusRunning || run.Status == models.RunStatusAwaitingGate

			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case active:
				line = a.spin.View() + " " + line
			case run.Status == models.RunStatusBlocked:
				line = "  " + line
			default:
				line = "  " + dimStyle.Render(line)
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] abort  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.SpecRun) string {
	status := a.formatStatus(run.Status)
	age := a.formatAge(run.CreatedAt)
	degraded := ""
	if run.Degraded {
		degraded = statusBlocked.Render(" [degraded]")
	}
	return fmt.Sprintf("#%-3d %-20s %-10s %s  %-6s%s",
		run.ID, run.SpecID, run.CurrentStage, status, age, degraded)
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusAwaitingGate:
		return statusRunning.Render("◐ gating")
	case models.RunStatusCompleted:
		return statusCompleted.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusBlocked:
		return statusBlocked.Render("⚠ blocked")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun
	header := fmt.Sprintf("Run #%d: %s", run.ID, run.SpecID)
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n\n"

	if run.BlockReason != "" {
		s += statusBlocked.Render("Blocked: "+run.BlockReason) + "\n\n"
	}

	s += "Pipeline\n"
	s += "────────\n"
	s += a.viewStages(run) + "\n"

	s += "Invocations\n"
	s += "───────────\n"
	if len(a.invocations) == 0 {
		s += "(no invocations yet)\n"
	} else {
		for i, inv := range a.invocations {
			line := a.formatInvocationLine(inv)
			if i == a.selectedInvIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [esc] back  [q] quit")

	return s
}

// viewStages draws the six stages with their gate outcomes, marking the
// run's current position.
func (a *App) viewStages(run *models.SpecRun) string {
	var parts []string
	current := run.CurrentStage.Index()
	for i, stage := range models.StageOrder {
		label := string(stage)
		switch d := a.decisions[stage]; {
		case d != nil && d.Pass:
			label = statusCompleted.Render(label + " ✓")
		case d != nil:
			label = statusFailed.Render(label + " ✗")
		case i == current && run.Status == models.RunStatusRunning:
			label = statusRunning.Render(label + " ●")
		default:
			label = dimStyle.Render(label)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, dimStyle.Render(" → ")) + "\n"
}

func (a *App) formatInvocationLine(inv *models.AgentInvocation) string {
	status := "○"
	switch inv.Status {
	case models.InvocationCompleted:
		status = statusCompleted.Render("✓")
	case models.InvocationRunning:
		status = statusRunning.Render("●")
	case models.InvocationFailed:
		status = statusFailed.Render("✗")
	case models.InvocationTimedOut:
		status = statusBlocked.Render("⏱")
	}

	exitCode := ""
	if inv.ExitCode != nil {
		if *inv.ExitCode == 0 {
			exitCode = dimStyle.Render("exit:0")
		} else {
			exitCode = statusFailed.Render(fmt.Sprintf("exit:%d", *inv.ExitCode))
		}
	}

	duration := ""
	if inv.StartedAt != nil && inv.CompletedAt != nil {
		duration = dimStyle.Render(formatDuration(inv.CompletedAt.Sub(*inv.StartedAt)))
	} else if inv.StartedAt != nil && inv.Status == models.InvocationRunning {
		duration = statusRunning.Render(formatDuration(time.Since(*inv.StartedAt)) + "...")
	}

	degraded := ""
	if inv.Result != nil && inv.Result.Degraded {
		degraded = statusBlocked.Render("degraded")
	}

	line := fmt.Sprintf("%-10s %-10s %s", inv.Stage, inv.AgentName, status)
	if exitCode != "" {
		line += "  " + exitCode
	}
	if duration != "" {
		line += "  " + fmt.Sprintf("%6s", duration)
	}
	if degraded != "" {
		line += "   " + degraded
	}
	return line
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Output: "+a.outputAgentName) + "\n\n"

	if a.outputContent == "" {
		s += "(no output)\n"
	} else {
		s += a.outputContent + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back  [q] quit")

	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.SpecRun
	err  error
}

type runDetailMsg struct {
	run         *models.SpecRun
	invocations []*models.AgentInvocation
	decisions   map[models.Stage]*models.GateDecision
	err         error
}

type runAbortedMsg struct {
	runID int64
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orch.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orch.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		invs, err := a.orch.InvocationsForRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		decisions := make(map[models.Stage]*models.GateDecision)
		for _, stage := range models.StageOrder {
			d, derr := a.orch.LatestGateDecision(run.SpecID, stage)
			if derr == nil && d != nil {
				decisions[stage] = d
			}
		}
		return runDetailMsg{run: run, invocations: invs, decisions: decisions}
	}
}

func (a *App) abortRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.orch.Abort(id, "tui"); err != nil {
			return runAbortedMsg{err: err}
		}
		return runAbortedMsg{runID: id}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
