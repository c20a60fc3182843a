package enforcer

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

var (
	promptTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("214"))

	promptMutedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("242"))

	promptSelectedStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("236")).
				Foreground(lipgloss.Color("15")).
				Bold(true)
)

// TerminalPrompter is a PromptUser-only helper that runs the bubbletea
// extend/close choice on the controlling terminal. Embed it (or its
// PromptUser method) into a full PlatformAdapter implementation.
type TerminalPrompter struct{}

type promptModel struct {
	req      PromptRequest
	choice   int // 0 = let close, 1 = extend 5, 2 = extend 30
	decided  bool
	decision PromptDecision
}

func newPromptModel(req PromptRequest) promptModel {
	return promptModel{req: req}
}

func (m promptModel) Init() tea.Cmd { return nil }

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch keyMsg.String() {
	case "left", "h":
		if m.choice > 0 {
			m.choice--
		}
	case "right", "l":
		if m.choice < 2 {
			m.choice++
		}
	case "1":
		m.choice = 1
		m.decided = true
		m.decision = PromptExtend5
		return m, tea.Quit
	case "2":
		m.choice = 2
		m.decided = true
		m.decision = PromptExtend30
		return m, tea.Quit
	case "enter":
		m.decided = true
		m.decision = [3]PromptDecision{PromptLetClose, PromptExtend5, PromptExtend30}[m.choice]
		return m, tea.Quit
	case "esc", "q", "ctrl+c":
		m.decided = true
		m.decision = PromptLetClose
		return m, tea.Quit
	}
	return m, nil
}

func (m promptModel) View() string {
	var b strings.Builder
	names := make([]string, len(m.req.Targets))
	for i, t := range m.req.Targets {
		names[i] = titleCaser.String(t)
	}
	b.WriteString(promptTitleStyle.Render(fmt.Sprintf("Session for %s expires in %ds", strings.Join(names, ", "), m.req.Remaining)))
	b.WriteString("\n\n")

	options := []string{"Let it close", "Extend 5 min", "Extend 30 min"}
	for i, opt := range options {
		if i == m.choice {
			b.WriteString(promptSelectedStyle.Render(" " + opt + " "))
		} else {
			b.WriteString(" " + opt + " ")
		}
		if i < len(options)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n\n")
	b.WriteString(promptMutedStyle.Render("← → to choose, enter to confirm, 1/2 to extend directly, esc to let close"))
	return b.String()
}

// PromptUser runs the bubbletea prompt program until the user decides or
// ctx expires, in which case it returns PromptLetClose (spec.md §4.5's
// silence-is-let-close default).
func (TerminalPrompter) PromptUser(ctx context.Context, req PromptRequest) (PromptDecision, error) {
	p := tea.NewProgram(newPromptModel(req))

	done := make(chan struct{})
	var finalModel tea.Model
	var runErr error
	go func() {
		defer close(done)
		finalModel, runErr = p.Run()
	}()

	select {
	case <-done:
		if runErr != nil {
			return PromptLetClose, runErr
		}
		if pm, ok := finalModel.(promptModel); ok && pm.decided {
			return pm.decision, nil
		}
		return PromptLetClose, nil
	case <-ctx.Done():
		p.Quit()
		<-done
		return PromptLetClose, nil
	case <-time.After(PromptTimeout):
		p.Quit()
		<-done
		return PromptLetClose, nil
	}
}
