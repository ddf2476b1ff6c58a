package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joshuavictorchen/claodex/internal/replctl"
)

// idleTickMsg drives the periodic replctl.Idle() poll, the same way bramble's
// own app package drives its refresh loop with a tea.Tick-returned message.
type idleTickMsg time.Time

// pasteStartMsg/pasteEndMsg are declared to bracket a detected paste.
// Nothing in the shell sends them and Update does not handle them, so the
// shell never calls Controller.SetPasteActive.
type pasteStartMsg struct{}
type pasteEndMsg struct{}

var (
	claudeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	codexStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// shell is the root tea.Model: an input line, a scrolling log of submitted
// commands and errors, and a target indicator. It owns no routing logic of
// its own — every keystroke that matters is handed to replctl.Controller.
type shell struct {
	ctx          context.Context
	controller   *replctl.Controller
	pollInterval time.Duration

	input  textinput.Model
	lines  []string
	width  int
	height int
}

func newShell(ctx context.Context) *shell {
	ti := textinput.New()
	ti.Placeholder = "message current agent, or /collab, /halt, /status, /quit"
	ti.Focus()
	ti.CharLimit = 8192
	return &shell{
		ctx:   ctx,
		input: ti,
	}
}

// SetPrefill satisfies replctl.LineEditor: it restores a draft the user was
// mid-typing when Idle handed control to a collab run.
func (s *shell) SetPrefill(text string) {
	s.input.SetValue(text)
}

func (s *shell) Init() tea.Cmd {
	return tickIdle(s.pollInterval)
}

func tickIdle(d time.Duration) tea.Cmd {
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	return tea.Tick(d, func(t time.Time) tea.Msg { return idleTickMsg(t) })
}

func (s *shell) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width, s.height = msg.Width, msg.Height
		return s, nil

	case idleTickMsg:
		if err := s.controller.Idle(); err != nil {
			s.appendLine(errStyle.Render(err.Error()))
		}
		return s, tickIdle(s.pollInterval)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return s, s.quit()
		case tea.KeyTab:
			s.controller.ToggleTarget()
			return s, nil
		case tea.KeyEnter:
			text := s.input.Value()
			s.input.SetValue("")
			if strings.TrimSpace(text) == "" {
				return s, nil
			}
			s.appendLine(s.prompt() + text)
			if err := s.controller.Submit(s.ctx, text); err != nil {
				s.appendLine(errStyle.Render(err.Error()))
			}
			if s.controller.Done() {
				return s, tea.Quit
			}
			return s, nil
		}
	}

	var cmd tea.Cmd
	s.input, cmd = s.input.Update(msg)
	return s, cmd
}

func (s *shell) quit() tea.Cmd {
	if err := s.controller.Quit(); err != nil {
		s.appendLine(errStyle.Render(err.Error()))
	}
	return tea.Quit
}

func (s *shell) appendLine(line string) {
	s.lines = append(s.lines, line)
	if len(s.lines) > 500 {
		s.lines = s.lines[len(s.lines)-500:]
	}
}

func (s *shell) prompt() string {
	style := claudeStyle
	if s.controller.CurrentTarget() == "codex" {
		style = codexStyle
	}
	return style.Render(fmt.Sprintf("[%s] ", s.controller.CurrentTarget())) + "> "
}

func (s *shell) View() string {
	var b strings.Builder
	start := 0
	visible := s.height - 3
	if visible > 0 && len(s.lines) > visible {
		start = len(s.lines) - visible
	}
	for _, line := range s.lines[start:] {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(strings.Repeat("-", max(1, s.width))))
	b.WriteString("\n")
	b.WriteString(s.prompt())
	b.WriteString(s.input.View())
	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
