// Package tui is the terminal front end of the conversation client: a loading screen while the identity
// check runs, then a scrolling transcript rendered as markdown above a single input line.
package tui

import (
	"context"
	"strings"

	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Sender is the conversation client as seen by the UI.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
	Transcript() []models.Message
}

// Connector runs the identity check and, when it succeeds, returns the sender bound to the session.
type Connector func(ctx context.Context) (models.SessionContext, Sender, error)

// TranscriptMsg carries a transcript snapshot. The program receives one after every transcript change.
type TranscriptMsg []models.Message

type signedInMsg struct {
	session models.SessionContext
	sender  Sender
}

type signInFailedMsg struct {
	err error
}

type sendDoneMsg struct {
	err error
}

// Options configures a Model.
type Options struct {
	// Style is a glamour standard style name. Defaults to "dark".
	Style string
	// AssistantName labels assistant turns. Defaults to "Jarvis".
	AssistantName string
}

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	timestampStyle = lipgloss.NewStyle().Faint(true)
	statusStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Model is the bubbletea model of the terminal client.
type Model struct {
	ctx     context.Context
	connect Connector
	opts    Options

	session models.SessionContext
	sender  Sender

	spinner  spinner.Model
	input    textinput.Model
	viewport viewport.Model
	markdown *glamour.TermRenderer

	messages []models.Message
	inFlight int
	lastErr  error
	ready    bool
}

const inputHeight = 2

// New returns a Model in the loading state. connect runs once, from Init.
func New(ctx context.Context, connect Connector, opts Options) Model {
	if opts.Style == "" {
		opts.Style = "dark"
	}
	if opts.AssistantName == "" {
		opts.AssistantName = "Jarvis"
	}

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	in := textinput.New()
	in.Placeholder = "Ask about your favorite hero..."
	in.Prompt = "> "
	in.Focus()

	return Model{
		ctx:      ctx,
		connect:  connect,
		opts:     opts,
		session:  models.SessionContext{State: models.SessionLoading},
		spinner:  sp,
		input:    in,
		viewport: viewport.New(0, 0),
	}
}

// Init starts the spinner and the identity check.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.signIn)
}

func (m Model) signIn() tea.Msg {
	session, sender, err := m.connect(m.ctx)
	if err != nil {
		return signInFailedMsg{err: err}
	}
	if !session.Authenticated() {
		return signInFailedMsg{}
	}
	return signedInMsg{session: session, sender: sender}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if m.session.State != models.SessionLoading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case signedInMsg:
		m.session = msg.session
		m.sender = msg.sender
		m.messages = msg.sender.Transcript()
		m.refresh()
		return m, nil

	case signInFailedMsg:
		m.session = models.UnauthenticatedSession()
		m.lastErr = msg.err
		return m, nil

	case TranscriptMsg:
		m.messages = msg
		m.refresh()
		return m, nil

	case sendDoneMsg:
		m.inFlight--
		m.lastErr = msg.err
		return m, nil
	}

	return m, nil
}

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.viewport.Width = msg.Width
	m.viewport.Height = max(msg.Height-inputHeight, 1)
	m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 1)

	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(m.opts.Style),
		glamour.WithWordWrap(max(msg.Width-2, 20)),
	)
	if err == nil {
		m.markdown = r
	}
	m.ready = true
	m.refresh()
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case tea.KeyEnter:
		return m.submit()
	}

	if !m.session.Authenticated() {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit hands the input to the sender. Blank input is left in place and nothing is sent.
func (m Model) submit() (tea.Model, tea.Cmd) {
	if !m.session.Authenticated() {
		return m, nil
	}
	text := m.input.Value()
	if strings.TrimSpace(text) == "" {
		return m, nil
	}

	m.input.Reset()
	m.inFlight++

	sender, ctx := m.sender, m.ctx
	return m, func() tea.Msg {
		return sendDoneMsg{err: sender.SendMessage(ctx, text)}
	}
}

// refresh re-renders the transcript and keeps the newest content visible.
func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) renderTranscript() string {
	var sb strings.Builder
	for _, msg := range m.messages {
		name, style := "You", userStyle
		if msg.Role == models.RoleAssistant {
			name, style = m.opts.AssistantName, assistantStyle
		}
		sb.WriteString(style.Render(name))
		if !msg.Timestamp.IsZero() {
			sb.WriteString(" " + timestampStyle.Render(msg.Timestamp.Format(models.TimestampLayout)))
		}
		sb.WriteString("\n")
		sb.WriteString(m.renderMarkdown(msg.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Model) renderMarkdown(content string) string {
	if m.markdown == nil || content == "" {
		return content + "\n"
	}
	out, err := m.markdown.Render(content)
	if err != nil {
		return content + "\n"
	}
	return out
}

// View renders the model.
func (m Model) View() string {
	switch m.session.State {
	case models.SessionLoading:
		return m.spinner.View() + " Signing in...\n"
	case models.SessionUnauthenticated:
		msg := "Sign in failed."
		if m.lastErr != nil {
			msg = "Sign in failed: " + m.lastErr.Error()
		}
		return errorStyle.Render(msg) + "\n" + statusStyle.Render("Press esc to quit.") + "\n"
	}

	if !m.ready {
		return "\n"
	}

	status := statusStyle.Render("Signed in as " + m.session.User.Username)
	switch {
	case m.inFlight > 0:
		status = statusStyle.Render(m.opts.AssistantName + " is replying...")
	case m.lastErr != nil:
		status = errorStyle.Render("Send failed: " + m.lastErr.Error())
	}

	return m.viewport.View() + "\n" + status + "\n" + m.input.View()
}
