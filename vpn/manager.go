// Package vpn provides VPN connection management functionality.
// This file contains the Manager type, the entry point used by the
// terminal UI and the CLI.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/metrics"
	"github.com/yllada/vpn-profiles/profile"
	"gopkg.in/yaml.v3"
)

// importedConfigName is the file name an imported .ovpn file is stored
// under inside the profile directory.
const importedConfigName = "client.ovpn"

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store *profile.Store
	// StateDir holds the session file. Empty disables session save and
	// restore.
	StateDir       string
	StatusWorkers  int
	OpenVPNCommand []string
	Credentials    common.CredentialStore
	NetworkManager *NetworkManager
	Log            common.Logger
	// NewFactory overrides actor selection. emit delivers events to the
	// manager's bridge.
	NewFactory func(emit func(Event)) ActorFactory
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChange     func(p *profile.Profile, from, to profile.State)
	ReconnectPrompt func(p *profile.Profile)
}

func (o ObserverFuncs) OnStateChange(p *profile.Profile, from, to profile.State) {
	if o.StateChange != nil {
		o.StateChange(p, from, to)
	}
}

func (o ObserverFuncs) OnReconnectPrompt(p *profile.Profile) {
	if o.ReconnectPrompt != nil {
		o.ReconnectPrompt(p)
	}
}

// Manager orchestrates profiles and their connections: storage, the
// registry, the state machine, the event bridge and the startup status
// sweep.
//
// Structural operations (add, replace, delete) are serialized by their own
// mutex and never do disk I/O under the state machine's lock.
type Manager struct {
	store    *profile.Store
	registry *Registry
	machine  *Machine
	bridge   *Bridge
	sweep    *StatusSweep
	factory  ActorFactory
	nm       *NetworkManager
	creds    common.CredentialStore
	log      common.Logger
	stateDir string

	editMu sync.Mutex

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	opened    bool
}

// NewManager creates a manager. Call Open to load profiles.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Log
	if log == nil {
		log = common.GetLogger()
	}

	m := &Manager{
		store:    cfg.Store,
		registry: NewRegistry(),
		nm:       cfg.NetworkManager,
		creds:    cfg.Credentials,
		log:      log,
		stateDir: cfg.StateDir,
		events:   make(chan Event, common.EventQueueSize),
		closing:  make(chan struct{}),
		cancel:   func() {},
	}

	if cfg.NewFactory != nil {
		m.factory = cfg.NewFactory(m.emit)
	} else {
		m.factory = NewFactory(FactoryConfig{
			ProfilesDir:    cfg.Store.Root(),
			OpenVPNCommand: cfg.OpenVPNCommand,
			Credentials:    cfg.Credentials,
			NetworkManager: cfg.NetworkManager,
			Log:            log,
		}, m.emit)
	}

	m.machine = NewMachine(m.registry, m.factory, log)
	m.bridge = NewBridge(m.registry, m.machine, log)
	m.sweep = NewStatusSweep(m.machine, cfg.StatusWorkers, log)
	return m
}

// emit hands an event to the bridge. It blocks while the queue is full and
// gives up once the manager is closing.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.closing:
	}
}

// Open loads the stored profiles, adopts their persisted states, restores
// a saved session and starts the background status sweep. Background work
// stops when ctx is cancelled or Close is called.
func (m *Manager) Open(ctx context.Context) error {
	if m.opened {
		return nil
	}

	profiles, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	for _, p := range profiles {
		if err := m.registry.Add(p); err != nil {
			m.log.Warn("Registry: skipping profile %s: %v", p.ID, err)
			metrics.StoreLoadSkipped.Inc()
		}
	}
	m.machine.Adopt()
	m.opened = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.bridge.Run(runCtx, m.events)
	}()

	if m.nm != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.nm.Watch(runCtx, m.emit); err != nil {
				m.log.Error("NM: %v", err)
			}
		}()
	}

	m.restoreSession()
	m.sweep.Start(runCtx, m.machine.Snapshot())
	return nil
}

// Close stops background work, saves the active session and the last
// known state of every profile.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		m.sweep.Wait(context.Background())
		close(m.closing)
		m.wg.Wait()

		if !m.opened {
			return
		}

		m.editMu.Lock()
		defer m.editMu.Unlock()

		if serr := m.saveSession(); serr != nil {
			m.log.Warn("Failed to save session: %v", serr)
		}
		for _, p := range m.machine.Snapshot() {
			if serr := m.store.Save(p); serr != nil {
				err = serr
				m.log.Warn("Failed to save state of %s: %v", p.Name, serr)
			}
		}

		if f, ok := m.factory.(*Factory); ok {
			f.Close()
		}
	})
	return err
}

// Rows returns the profile list as rendered: name, status summary and
// whether the row can be acted on.
func (m *Manager) Rows() []Row {
	return m.machine.Rows()
}

// Profiles returns snapshots of every profile in display order.
func (m *Manager) Profiles() []*profile.Profile {
	return m.machine.Snapshot()
}

// Lookup returns a snapshot of the profile called name.
func (m *Manager) Lookup(name string) (*profile.Profile, bool) {
	for _, p := range m.machine.Snapshot() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Active returns a snapshot of the profile holding the active session.
func (m *Manager) Active() (*profile.Profile, bool) {
	return m.machine.Active()
}

// Subscribe adds a state machine observer.
func (m *Manager) Subscribe(o Observer) {
	m.machine.Subscribe(o)
}

// Deliver feeds an external connectivity event to the bridge synchronously.
func (m *Manager) Deliver(ev Event) bool {
	return m.bridge.Deliver(ev)
}

// WaitStatus waits for the startup status sweep to finish.
func (m *Manager) WaitStatus(ctx context.Context) error {
	return m.sweep.Wait(ctx)
}

// ConnectOrDisconnect connects, cancels or disconnects the named profile
// depending on its state.
func (m *Manager) ConnectOrDisconnect(ctx context.Context, name string) error {
	p, ok := m.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", common.ErrProfileNotFound, name)
	}
	return m.machine.ConnectOrDisconnect(ctx, p)
}

// DuplicateName reports whether p's name is used by a profile other than
// the one at index. An out-of-range index means p is new.
func (m *Manager) DuplicateName(p *profile.Profile, index int) bool {
	return m.registry.DuplicateName(p, index)
}

// AddProfile stores and registers a copy of p. An empty id is assigned a
// fresh one, which is written back to p. On failure nothing is stored and
// p is left as submitted.
func (m *Manager) AddProfile(p *profile.Profile) error {
	m.editMu.Lock()
	defer m.editMu.Unlock()
	return m.addLocked(p)
}

func (m *Manager) addLocked(p *profile.Profile) error {
	if m.registry.DuplicateName(p, -1) {
		return fmt.Errorf("%w: %q", common.ErrDuplicateName, p.Name)
	}

	q := p.Clone()
	if q.ID == "" {
		q.ID = common.GenerateID()
	}
	q.State = profile.StateIdle
	if err := q.Validate(); err != nil {
		return err
	}
	for _, existing := range m.registry.Profiles() {
		if existing.ID == q.ID {
			return fmt.Errorf("%w: id %s is already in use", common.ErrInvalidProfile, q.ID)
		}
	}

	if err := m.store.Save(q); err != nil {
		return err
	}
	if err := m.machine.Admit(q); err != nil {
		m.store.Remove(q)
		return err
	}

	p.ID = q.ID
	m.log.Info("Profile added: %s (%s)", q.Name, q.Type)
	return nil
}

// ReplaceProfileAt replaces the idle profile at index with a copy of p,
// keeping its id. An out-of-range index adds p instead.
func (m *Manager) ReplaceProfileAt(index int, p *profile.Profile) error {
	m.editMu.Lock()
	defer m.editMu.Unlock()

	if _, ok := m.registry.At(index); !ok {
		return m.addLocked(p)
	}

	old, err := m.machine.Editable(index)
	if err != nil {
		return err
	}

	q := p.Clone()
	if q.ID == "" {
		q.ID = old.ID
	}
	if q.ID != old.ID {
		return fmt.Errorf("%w: cannot change id of %s", common.ErrIDMismatch, old.Name)
	}
	q.State = profile.StateIdle
	if err := q.Validate(); err != nil {
		return err
	}
	if m.registry.DuplicateName(q, index) {
		return fmt.Errorf("%w: %q", common.ErrDuplicateName, q.Name)
	}

	if err := m.store.Replace(old, q); err != nil {
		return err
	}
	if err := m.machine.ReplaceAt(index, old, q); err != nil {
		if rerr := m.store.Replace(q, old); rerr != nil {
			m.log.Error("Failed to restore %s after rejected edit: %v", old.Name, rerr)
		}
		return err
	}

	m.log.Info("Profile replaced: %s -> %s", old.Name, q.Name)
	return nil
}

// DeleteProfileAt removes the idle profile at index from the registry,
// storage and the credential store.
func (m *Manager) DeleteProfileAt(index int) error {
	m.editMu.Lock()
	defer m.editMu.Unlock()

	p, err := m.machine.RemoveAt(index)
	if err != nil {
		return err
	}
	m.store.Remove(p)

	if m.creds != nil {
		if err := m.creds.Delete(p.ID); err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			m.log.Warn("Failed to delete credentials of %s: %v", p.Name, err)
		}
	}

	m.log.Info("Profile deleted: %s", p.Name)
	return nil
}

// ImportOpenVPN creates an openvpn profile from a .ovpn file, which is
// copied into the profile's storage directory.
func (m *Manager) ImportOpenVPN(name, ovpnPath, username string, routes []string) (*profile.Profile, error) {
	if err := ValidateOVPNFile(ovpnPath); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	data, err := os.ReadFile(ovpnPath)
	if err != nil {
		return nil, err
	}

	cfg := OpenVPNConfig{
		ConfigFile:        importedConfigName,
		Username:          username,
		SplitTunnelRoutes: routes,
	}
	payload, err := cfg.Encode()
	if err != nil {
		return nil, err
	}

	p := &profile.Profile{
		ID:     common.GenerateID(),
		Name:   name,
		Type:   profile.TypeOpenVPN,
		Config: payload,
	}

	m.editMu.Lock()
	defer m.editMu.Unlock()

	if m.registry.DuplicateName(p, -1) {
		return nil, fmt.Errorf("%w: %q", common.ErrDuplicateName, name)
	}
	if err := m.store.WriteFile(p, importedConfigName, data); err != nil {
		return nil, err
	}
	if err := m.addLocked(p); err != nil {
		m.store.Remove(p)
		return nil, err
	}
	return p, nil
}

// sessionFile records the active session across process restarts.
type sessionFile struct {
	ProfileID   string  `yaml:"profile_id"`
	ProfileName string  `yaml:"profile_name"`
	State       string  `yaml:"state"`
	Actor       Session `yaml:"actor,omitempty"`
}

func (m *Manager) sessionPath() string {
	if m.stateDir == "" {
		return ""
	}
	return filepath.Join(m.stateDir, common.SessionFileName)
}

// saveSession writes the active session, or removes a stale one.
func (m *Manager) saveSession() error {
	path := m.sessionPath()
	if path == "" {
		return nil
	}

	active, ok := m.machine.Active()
	if !ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	live, ok := m.registry.Lookup(active.Name)
	if !ok {
		return nil
	}
	actor, err := m.factory.ActorFor(live)
	if err != nil {
		return err
	}

	sf := sessionFile{
		ProfileID:   active.ID,
		ProfileName: active.Name,
		State:       active.State.String(),
		Actor:       Session{},
	}
	actor.SaveSession(sf.Actor)

	data, err := yaml.Marshal(&sf)
	if err != nil {
		return err
	}
	if err := common.EnsureDir(m.stateDir); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	m.log.Debug("Session saved for %s", active.Name)
	return nil
}

// restoreSession hands a saved session back to the actor of the profile it
// belongs to. The file is consumed either way.
func (m *Manager) restoreSession() {
	path := m.sessionPath()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("Failed to read session: %v", err)
		}
		return
	}
	defer os.Remove(path)

	var sf sessionFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		m.log.Warn("Ignoring unreadable session: %v", err)
		return
	}

	p, ok := m.registry.Lookup(sf.ProfileName)
	if !ok || p.ID != sf.ProfileID {
		m.log.Info("Ignoring session for missing profile %s", sf.ProfileName)
		return
	}
	if m.machine.StateOf(p) == profile.StateIdle {
		m.log.Info("Ignoring session for idle profile %s", p.Name)
		return
	}

	actor, err := m.factory.ActorFor(p)
	if err != nil {
		m.log.Warn("Cannot restore session of %s: %v", p.Name, err)
		return
	}
	if err := actor.RestoreSession(sf.Actor); err != nil {
		m.log.Warn("Cannot restore session of %s: %v", p.Name, err)
		return
	}
	m.log.Info("Session restored for %s", p.Name)
}
