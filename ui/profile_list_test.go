package ui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"github.com/yllada/vpn-profiles/vpn"
)

type fakeController struct {
	mu        sync.Mutex
	profiles  []*profile.Profile
	blocked   map[string]bool
	toggled   []string
	toggleErr error
	deleteErr error
}

func newFakeController(names ...string) *fakeController {
	c := &fakeController{blocked: make(map[string]bool)}
	for i, name := range names {
		c.profiles = append(c.profiles, &profile.Profile{
			ID:     fmt.Sprint(i + 1),
			Name:   name,
			Type:   profile.TypeWireGuard,
			Config: []byte("uuid: 3f2b9c4e\n"),
		})
	}
	return c
}

func (c *fakeController) Rows() []vpn.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]vpn.Row, 0, len(c.profiles))
	for _, p := range c.profiles {
		rows = append(rows, vpn.Row{Name: p.Name, Summary: p.State.Summary(), Actionable: !c.blocked[p.Name]})
	}
	return rows
}

func (c *fakeController) Lookup(name string) (*profile.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.profiles {
		if p.Name == name {
			return p.Clone(), true
		}
	}
	return nil, false
}

func (c *fakeController) ConnectOrDisconnect(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toggled = append(c.toggled, name)
	if c.toggleErr != nil {
		return c.toggleErr
	}
	for _, p := range c.profiles {
		if p.Name == name {
			if p.State == profile.StateIdle {
				p.State = profile.StateConnected
			} else {
				p.State = profile.StateIdle
			}
		}
	}
	return nil
}

func (c *fakeController) DeleteProfileAt(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	if index < 0 || index >= len(c.profiles) {
		return common.ErrProfileNotFound
	}
	c.profiles = append(c.profiles[:index], c.profiles[index+1:]...)
	return nil
}

type memCredentials struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (c *memCredentials) Store(id, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[id] = password
	return nil
}

func (c *memCredentials) Get(id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.secrets[id]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return s, nil
}

func (c *memCredentials) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, id)
	return nil
}

func keyPress(k string) tea.KeyMsg {
	switch k {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

// runCmd executes cmd the way the program would and feeds its message back.
func runCmd(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	return m
}

func TestModel_View(t *testing.T) {
	ctrl := newFakeController("Work", "Home")
	ctrl.profiles[0].State = profile.StateConnected
	ctrl.blocked["Home"] = true

	m := NewModel(context.Background(), ctrl, nil)
	view := m.View()

	assert.Contains(t, view, "VPN Profiles")
	assert.Contains(t, view, "(2)")
	assert.Contains(t, view, "▸ Work")
	assert.Contains(t, view, "Connected")
	assert.Contains(t, view, "Home")
	assert.Contains(t, view, "Select to connect")
	assert.Contains(t, view, "connect/disconnect")
}

func TestModel_ViewEmpty(t *testing.T) {
	m := NewModel(context.Background(), newFakeController(), nil)
	assert.Contains(t, m.View(), "No VPN profiles configured.")

	m, cmd := update(t, m, keyPress("enter"))
	assert.Nil(t, cmd)
	m, cmd = update(t, m, keyPress("x"))
	assert.Nil(t, cmd)
	assert.Nil(t, m.pending)
}

func TestModel_CursorBounds(t *testing.T) {
	m := NewModel(context.Background(), newFakeController("A", "B"), nil)

	for _, k := range []string{"down", "down", "j"} {
		m, _ = update(t, m, keyPress(k))
	}
	row, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, "B", row.Name)

	for _, k := range []string{"up", "k", "up"} {
		m, _ = update(t, m, keyPress(k))
	}
	row, _ = m.Selected()
	assert.Equal(t, "A", row.Name)
}

func TestModel_ToggleConnects(t *testing.T) {
	ctrl := newFakeController("Work", "Home")
	m := NewModel(context.Background(), ctrl, nil)

	m, _ = update(t, m, keyPress("down"))
	m, cmd := update(t, m, keyPress("enter"))
	m = runCmd(t, m, cmd)

	assert.Equal(t, []string{"Home"}, ctrl.toggled)
	assert.NoError(t, m.err)
	assert.Equal(t, "Connected", m.rows[1].Summary)
}

func TestModel_ToggleError(t *testing.T) {
	ctrl := newFakeController("Work")
	ctrl.toggleErr = common.ErrBackendUnavailable
	m := NewModel(context.Background(), ctrl, nil)

	m, cmd := update(t, m, keyPress("enter"))
	m = runCmd(t, m, cmd)

	assert.True(t, errors.Is(m.err, common.ErrBackendUnavailable))
	assert.Contains(t, m.View(), "Error:")
}

func TestModel_NotActionable(t *testing.T) {
	ctrl := newFakeController("Work", "Home")
	ctrl.blocked["Work"] = true
	m := NewModel(context.Background(), ctrl, nil)

	m, cmd := update(t, m, keyPress("enter"))
	assert.Nil(t, cmd)
	assert.True(t, errors.Is(m.err, common.ErrAnotherActive))
	assert.Empty(t, ctrl.toggled)
}

func TestModel_StateChangeRefreshes(t *testing.T) {
	ctrl := newFakeController("Work")
	m := NewModel(context.Background(), ctrl, nil)

	ctrl.profiles[0].State = profile.StateConnecting
	m, cmd := update(t, m, stateChangedMsg{name: "Work", from: profile.StateIdle, to: profile.StateConnecting})
	assert.Nil(t, cmd)
	assert.Equal(t, "Connecting...", m.rows[0].Summary)
	assert.Contains(t, m.View(), "Work: Connecting...")
}

func TestModel_ReconnectPrompt(t *testing.T) {
	ctrl := newFakeController("Work")
	m := NewModel(context.Background(), ctrl, nil)

	m, _ = update(t, m, reconnectPromptMsg{name: "Work"})
	assert.Contains(t, m.View(), "Could not connect to Work. Reconnect? (y/n)")

	// Navigation is suspended while the prompt is up.
	m, cmd := update(t, m, keyPress("enter"))
	assert.Nil(t, cmd)
	assert.Empty(t, ctrl.toggled)

	m, cmd = update(t, m, keyPress("y"))
	assert.Nil(t, m.pending)
	m = runCmd(t, m, cmd)
	assert.Equal(t, []string{"Work"}, ctrl.toggled)

	m, _ = update(t, m, reconnectPromptMsg{name: "Work"})
	m, cmd = update(t, m, keyPress("n"))
	assert.Nil(t, cmd)
	assert.Nil(t, m.pending)
	assert.NotContains(t, m.View(), "Reconnect?")
	assert.Len(t, ctrl.toggled, 1)
}

func TestModel_Delete(t *testing.T) {
	ctrl := newFakeController("Work", "Home")
	m := NewModel(context.Background(), ctrl, nil)
	m, _ = update(t, m, keyPress("down"))

	m, _ = update(t, m, keyPress("x"))
	assert.Contains(t, m.View(), "Delete Home? (y/n)")
	m, cmd := update(t, m, keyPress("esc"))
	assert.Nil(t, cmd)
	assert.Len(t, ctrl.profiles, 2)

	m, _ = update(t, m, keyPress("x"))
	m, cmd = update(t, m, keyPress("y"))
	m = runCmd(t, m, cmd)

	require.Len(t, ctrl.profiles, 1)
	assert.Equal(t, "Work", ctrl.profiles[0].Name)
	assert.Equal(t, 0, m.cursor)
	assert.Contains(t, m.View(), "Deleted Home")
}

func TestModel_DeleteBusy(t *testing.T) {
	ctrl := newFakeController("Work")
	ctrl.deleteErr = common.ErrProfileBusy
	m := NewModel(context.Background(), ctrl, nil)

	m, _ = update(t, m, keyPress("x"))
	m, cmd := update(t, m, keyPress("y"))
	m = runCmd(t, m, cmd)

	assert.True(t, errors.Is(m.err, common.ErrProfileBusy))
	assert.Len(t, ctrl.profiles, 1)
}

func passwordController() *fakeController {
	ctrl := newFakeController()
	ctrl.profiles = []*profile.Profile{{
		ID:     "ovpn",
		Name:   "Office",
		Type:   profile.TypeOpenVPN,
		Config: []byte("config_file: client.ovpn\nusername: alice\n"),
	}}
	return ctrl
}

func TestModel_PasswordPrompt(t *testing.T) {
	ctrl := passwordController()
	creds := &memCredentials{secrets: make(map[string]string)}
	m := NewModel(context.Background(), ctrl, creds)

	m, _ = update(t, m, keyPress("enter"))
	require.NotNil(t, m.pending)
	assert.Equal(t, promptPassword, m.pending.kind)
	assert.Contains(t, m.View(), "Password for alice@Office")
	assert.Empty(t, ctrl.toggled)

	// q is typed into the field, not treated as quit.
	for _, k := range []string{"q", "w", "e"} {
		m, _ = update(t, m, keyPress(k))
	}
	require.NotNil(t, m.pending)
	assert.Equal(t, "qwe", m.password.Value())
	assert.NotContains(t, m.View(), "qwe")

	m, cmd := update(t, m, keyPress("enter"))
	assert.Nil(t, m.pending)
	m = runCmd(t, m, cmd)

	password, err := creds.Get("ovpn")
	require.NoError(t, err)
	assert.Equal(t, "qwe", password)
	assert.Equal(t, []string{"Office"}, ctrl.toggled)

	// Saved now, so disconnecting and reconnecting asks nothing.
	m, cmd = update(t, m, keyPress("enter"))
	m = runCmd(t, m, cmd)
	m, cmd = update(t, m, keyPress("enter"))
	assert.Nil(t, m.pending)
	runCmd(t, m, cmd)
	assert.Len(t, ctrl.toggled, 3)
}

func TestModel_PasswordPromptCancelled(t *testing.T) {
	ctrl := passwordController()
	creds := &memCredentials{secrets: make(map[string]string)}
	m := NewModel(context.Background(), ctrl, creds)

	m, _ = update(t, m, keyPress("enter"))
	m, _ = update(t, m, keyPress("a"))
	m, cmd := update(t, m, keyPress("esc"))
	assert.Nil(t, cmd)
	assert.Nil(t, m.pending)

	m, _ = update(t, m, keyPress("enter"))
	assert.Equal(t, "", m.password.Value())
	m, cmd = update(t, m, keyPress("enter"))
	assert.Nil(t, cmd)
	assert.Error(t, m.err)
	assert.Empty(t, ctrl.toggled)
	assert.Empty(t, creds.secrets)
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(context.Background(), newFakeController("Work"), nil)

	_, cmd := update(t, m, keyPress("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	m, _ = update(t, m, reconnectPromptMsg{name: "Work"})
	_, cmd = update(t, m, keyPress("ctrl+c"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_HelpToggle(t *testing.T) {
	m := NewModel(context.Background(), newFakeController("Work"), nil)
	assert.NotContains(t, m.View(), "down")

	m, _ = update(t, m, keyPress("?"))
	assert.True(t, m.help.ShowAll)
	assert.Contains(t, m.View(), "down")
}

func TestProgramObserver(t *testing.T) {
	var got []tea.Msg
	o := &ProgramObserver{send: func(msg tea.Msg) { got = append(got, msg) }}
	p := &profile.Profile{ID: "1", Name: "Work"}

	o.OnStateChange(p, profile.StateIdle, profile.StateConnecting)
	o.OnReconnectPrompt(p)

	assert.Equal(t, []tea.Msg{
		stateChangedMsg{name: "Work", from: profile.StateIdle, to: profile.StateConnecting},
		reconnectPromptMsg{name: "Work"},
	}, got)
}
