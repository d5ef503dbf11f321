package ui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"github.com/yllada/vpn-profiles/vpn"
)

// Manager is what the terminal application needs from vpn.Manager.
type Manager interface {
	Controller
	Subscribe(o vpn.Observer)
}

// Application runs the terminal user interface.
type Application struct {
	manager Manager
	creds   common.CredentialStore
	log     common.Logger
	options []tea.ProgramOption
}

// NewApplication creates the terminal application over manager.
func NewApplication(manager Manager, creds common.CredentialStore, log common.Logger) *Application {
	if log == nil {
		log = common.GetLogger()
	}
	return &Application{
		manager: manager,
		creds:   creds,
		log:     log,
		options: []tea.ProgramOption{tea.WithAltScreen()},
	}
}

// Run blocks until the user quits or ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	model := NewModel(ctx, a.manager, a.creds)
	p := tea.NewProgram(model, append(a.options, tea.WithContext(ctx))...)
	a.manager.Subscribe(NewProgramObserver(p))

	a.log.Info("Terminal UI started")
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		a.log.Info("Terminal UI stopped: %v", ctx.Err())
		return nil
	}
	return err
}

// ProgramObserver forwards state machine notifications into a running
// program as messages.
type ProgramObserver struct {
	send func(tea.Msg)
}

// NewProgramObserver creates an observer sending to p.
func NewProgramObserver(p *tea.Program) *ProgramObserver {
	return &ProgramObserver{send: p.Send}
}

// OnStateChange implements vpn.Observer.
func (o *ProgramObserver) OnStateChange(p *profile.Profile, from, to profile.State) {
	o.send(stateChangedMsg{name: p.Name, from: from, to: to})
}

// OnReconnectPrompt implements vpn.Observer.
func (o *ProgramObserver) OnReconnectPrompt(p *profile.Profile) {
	o.send(reconnectPromptMsg{name: p.Name})
}
