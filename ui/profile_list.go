package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"github.com/yllada/vpn-profiles/vpn"
)

// Controller is the part of the Manager the list model drives.
type Controller interface {
	Rows() []vpn.Row
	Lookup(name string) (*profile.Profile, bool)
	ConnectOrDisconnect(ctx context.Context, name string) error
	DeleteProfileAt(index int) error
}

type promptKind int

const (
	promptReconnect promptKind = iota
	promptDelete
	promptPassword
)

// pendingPrompt is the question currently shown below the list.
type pendingPrompt struct {
	kind promptKind
	name string
	// username is shown by the password prompt.
	username string
}

// stateChangedMsg reports an applied transition.
type stateChangedMsg struct {
	name     string
	from, to profile.State
}

// reconnectPromptMsg asks whether to reconnect after a failed attempt.
type reconnectPromptMsg struct {
	name string
}

// actionDoneMsg carries the result of a connect, disconnect or delete.
type actionDoneMsg struct {
	name    string
	deleted bool
	err     error
}

// Model is the profile list. It renders the Manager's rows and turns key
// presses into Manager calls, which run as commands off the event loop.
type Model struct {
	ctx   context.Context
	ctrl  Controller
	creds common.CredentialStore

	keys     KeyMap
	help     help.Model
	password textinput.Model

	rows    []vpn.Row
	cursor  int
	pending *pendingPrompt
	status  string
	err     error
	width   int
}

// NewModel creates the list model. creds may be nil, in which case no
// password is ever asked for.
func NewModel(ctx context.Context, ctrl Controller, creds common.CredentialStore) Model {
	h := help.New()
	h.Styles.ShortKey = lipgloss.NewStyle().Foreground(colorAccent)
	h.Styles.FullKey = h.Styles.ShortKey

	pw := textinput.New()
	pw.EchoMode = textinput.EchoPassword
	pw.EchoCharacter = '•'
	pw.CharLimit = 256

	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		creds:    creds,
		keys:     DefaultKeyMap(),
		help:     h,
		password: pw,
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// refresh reloads the rows and keeps the cursor in range.
func (m *Model) refresh() {
	m.rows = m.ctrl.Rows()
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// Selected returns the row under the cursor.
func (m Model) Selected() (vpn.Row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return vpn.Row{}, false
	}
	return m.rows[m.cursor], true
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case stateChangedMsg:
		m.refresh()
		m.status = fmt.Sprintf("%s: %s", msg.name, msg.to.Summary())
		return m, nil

	case reconnectPromptMsg:
		m.refresh()
		m.setPrompt(&pendingPrompt{kind: promptReconnect, name: msg.name})
		return m, nil

	case actionDoneMsg:
		m.refresh()
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		if msg.deleted {
			m.status = "Deleted " + msg.name
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.pending != nil && m.pending.kind == promptPassword {
		var cmd tea.Cmd
		m.password, cmd = m.password.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) setPrompt(p *pendingPrompt) {
	if m.pending != nil && m.pending.kind == promptPassword {
		m.password.Reset()
		m.password.Blur()
	}
	m.pending = p
	m.keys.prompting = p != nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}
	if m.pending != nil {
		return m.handlePromptKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Toggle):
		return m.toggleSelected()
	case key.Matches(msg, m.keys.Delete):
		if row, ok := m.Selected(); ok {
			m.err = nil
			m.setPrompt(&pendingPrompt{kind: promptDelete, name: row.Name})
		}
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := *m.pending

	if p.kind == promptPassword {
		switch msg.Type {
		case tea.KeyEsc:
			m.setPrompt(nil)
			return m, nil
		case tea.KeyEnter:
			password := m.password.Value()
			m.setPrompt(nil)
			if password == "" {
				m.err = fmt.Errorf("no password given for %s", p.name)
				return m, nil
			}
			return m, m.storeAndConnectCmd(p.name, password)
		}
		var cmd tea.Cmd
		m.password, cmd = m.password.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Yes):
		m.setPrompt(nil)
		if p.kind == promptDelete {
			return m, m.deleteCmd(p.name)
		}
		return m.connect(p.name)
	case key.Matches(msg, m.keys.No):
		m.setPrompt(nil)
	}
	return m, nil
}

// toggleSelected connects, cancels or disconnects the selected row.
// Rows that are not actionable are left alone.
func (m Model) toggleSelected() (tea.Model, tea.Cmd) {
	row, ok := m.Selected()
	if !ok {
		return m, nil
	}
	if !row.Actionable {
		m.err = fmt.Errorf("%w: %s is unavailable", common.ErrAnotherActive, row.Name)
		return m, nil
	}
	return m.connect(row.Name)
}

func (m Model) connect(name string) (tea.Model, tea.Cmd) {
	m.err = nil
	m.status = ""
	if username, ok := m.needsPassword(name); ok {
		m.setPrompt(&pendingPrompt{kind: promptPassword, name: name, username: username})
		cmd := m.password.Focus()
		return m, cmd
	}
	return m, m.toggleCmd(name)
}

// needsPassword reports whether name is an idle openvpn profile with a
// username but no saved password.
func (m Model) needsPassword(name string) (string, bool) {
	if m.creds == nil {
		return "", false
	}
	p, ok := m.ctrl.Lookup(name)
	if !ok || p.State != profile.StateIdle || p.Type != profile.TypeOpenVPN {
		return "", false
	}
	cfg, err := vpn.ParseOpenVPNConfig(p.Config)
	if err != nil || cfg.Username == "" {
		return "", false
	}
	if _, err := m.creds.Get(p.ID); !errors.Is(err, common.ErrCredentialsNotFound) {
		return "", false
	}
	return cfg.Username, true
}

func (m Model) toggleCmd(name string) tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return actionDoneMsg{name: name, err: ctrl.ConnectOrDisconnect(ctx, name)}
	}
}

func (m Model) storeAndConnectCmd(name, password string) tea.Cmd {
	ctx, ctrl, creds := m.ctx, m.ctrl, m.creds
	return func() tea.Msg {
		p, ok := ctrl.Lookup(name)
		if !ok {
			return actionDoneMsg{name: name, err: fmt.Errorf("%w: %q", common.ErrProfileNotFound, name)}
		}
		if err := creds.Store(p.ID, password); err != nil {
			return actionDoneMsg{name: name, err: err}
		}
		return actionDoneMsg{name: name, err: ctrl.ConnectOrDisconnect(ctx, name)}
	}
}

// deleteCmd removes the profile called name. The index is resolved when
// the command runs since positions shift on every structural change.
func (m Model) deleteCmd(name string) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		for i, row := range ctrl.Rows() {
			if row.Name == name {
				return actionDoneMsg{name: name, deleted: true, err: ctrl.DeleteProfileAt(i)}
			}
		}
		return actionDoneMsg{name: name, err: fmt.Errorf("%w: %q", common.ErrProfileNotFound, name)}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("VPN Profiles " + countStyle.Render(fmt.Sprintf("(%d)", len(m.rows)))))
	b.WriteString("\n")

	if len(m.rows) == 0 {
		b.WriteString(emptyStyle.Render("No VPN profiles configured. Add one with --add."))
		b.WriteString("\n")
	}

	nameWidth := 0
	for _, row := range m.rows {
		if w := lipgloss.Width(row.Name); w > nameWidth {
			nameWidth = w
		}
	}

	for i, row := range m.rows {
		name := row.Name + strings.Repeat(" ", nameWidth-lipgloss.Width(row.Name))
		line := name + "  " + summaryStyle(row.Summary).Render(row.Summary)
		switch {
		case i == m.cursor:
			b.WriteString(selectedRowStyle.Render("▸ " + line))
		case !row.Actionable:
			b.WriteString(disabledRowStyle.Render(line))
		default:
			b.WriteString(rowStyle.Render(line))
		}
		b.WriteString("\n")
	}

	if m.pending != nil {
		b.WriteString(promptStyle.Render(m.promptView()))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) promptView() string {
	switch m.pending.kind {
	case promptReconnect:
		return fmt.Sprintf("Could not connect to %s. Reconnect? (y/n)", m.pending.name)
	case promptDelete:
		return fmt.Sprintf("Delete %s? (y/n)", m.pending.name)
	default:
		return fmt.Sprintf("Password for %s@%s\n%s", m.pending.username, m.pending.name, m.password.View())
	}
}
