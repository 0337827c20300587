// Package popup is the terminal popup surface. It follows the persisted
// counter through store change notifications and never records events.
package popup

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/defundx-go/internal/ledger"
)

var (
	frameStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(1, 3)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	impactStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// CountMsg carries a counter value into the model.
type CountMsg struct {
	Count int
	Text  string
}

// ErrMsg reports a failure to read the counter.
type ErrMsg struct {
	Err error
}

// Model is the bubbletea model of the popup.
type Model struct {
	installID string
	count     int
	text      string
	loaded    bool
	err       error
}

// NewModel creates a Model showing installID in its footer.
func NewModel(installID string) Model {
	return Model{installID: installID}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case CountMsg:
		m.count = msg.Count
		m.text = msg.Text
		m.loaded = true
		m.err = nil
	case ErrMsg:
		m.err = msg.Err
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("defundx"))
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
	case !m.loaded:
		b.WriteString(mutedStyle.Render("loading..."))
	default:
		b.WriteString(impactStyle.Render(m.text))
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(fmt.Sprintf("%d tracking requests blocked", m.count)))
	}

	b.WriteString("\n\n")
	if m.installID != "" {
		b.WriteString(mutedStyle.Render("install " + shortID(m.installID)))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("q to close"))
	return frameStyle.Render(b.String())
}

// Count returns the last rendered counter value.
func (m Model) Count() int {
	return m.count
}

// Text returns the last rendered display string.
func (m Model) Text() string {
	return m.text
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// programRenderer forwards renders into a running program.
type programRenderer struct {
	p *tea.Program
}

func (r programRenderer) Render(_ context.Context, count int, text string) error {
	r.p.Send(CountMsg{Count: count, Text: text})
	return nil
}

// Run shows the popup until the user closes it or ctx is done.
func Run(ctx context.Context, l *ledger.Ledger, opts ...tea.ProgramOption) error {
	installID, err := l.InstallID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read installation identifier")
	}

	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewModel(installID), opts...)

	follower := ledger.NewFollower(l, programRenderer{p: p})
	stopCh := make(chan func(), 1)
	go func() {
		// Send blocks until the program is running.
		stop, err := follower.Start(ctx)
		if err != nil {
			p.Send(ErrMsg{Err: err})
			stopCh <- func() {}
			return
		}
		stopCh <- stop
	}()

	_, runErr := p.Run()

	select {
	case stop := <-stopCh:
		stop()
	case <-ctx.Done():
	}

	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("popup: %w", runErr)
	}
	return nil
}
