package vpn

import (
	"context"
	"fmt"
	"sync"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/metrics"
	"github.com/yllada/vpn-profiles/profile"
)

// Observer receives state machine notifications. Calls are made after the
// machine lock is released, in transition order, from the goroutine that
// caused the transition.
type Observer interface {
	// OnStateChange reports an applied transition. p is a snapshot.
	OnStateChange(p *profile.Profile, from, to profile.State)
	// OnReconnectPrompt asks the user whether to reconnect p after a
	// failed connection attempt.
	OnReconnectPrompt(p *profile.Profile)
}

// Row is one line of the rendered profile list.
type Row struct {
	Name       string
	Summary    string
	Actionable bool
}

// allowedTransition reports whether a profile may move from one state to
// another. CANCELLED is handled before this check.
func allowedTransition(from, to profile.State) bool {
	switch from {
	case profile.StateIdle:
		return to == profile.StateConnecting || to == profile.StateConnected
	case profile.StateConnecting:
		return to == profile.StateConnected || to == profile.StateDisconnecting || to == profile.StateIdle
	case profile.StateConnected:
		return to == profile.StateDisconnecting || to == profile.StateIdle
	case profile.StateDisconnecting:
		return to == profile.StateIdle
	default:
		return false
	}
}

type notification struct {
	profile  *profile.Profile
	from, to profile.State
	prompt   bool
}

// Machine owns the connection state of every registered profile and the
// single active session. All transitions go through ChangeState or one of
// the methods built on it, under one lock.
//
// Lock order: Machine.mu before Registry.mu.
type Machine struct {
	mu              sync.Mutex
	registry        *Registry
	factory         ActorFactory
	log             common.Logger
	active          *profile.Profile
	activeActor     Actor
	connectingError bool
	observers       []Observer
}

// NewMachine creates a state machine over registry.
func NewMachine(registry *Registry, factory ActorFactory, log common.Logger) *Machine {
	if log == nil {
		log = common.GetLogger()
	}
	return &Machine{
		registry: registry,
		factory:  factory,
		log:      log,
	}
}

// Subscribe adds an observer.
func (m *Machine) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// ChangeState moves p to state. A transition to the current state is a
// no-op. CANCELLED folds immediately into IDLE.
func (m *Machine) ChangeState(p *profile.Profile, state profile.State) error {
	m.mu.Lock()
	n, err := m.changeStateLocked(p, state)
	observers := m.observers
	m.mu.Unlock()

	m.dispatch(observers, n)
	return err
}

// Reconcile applies an observed state to p only if p is still in expected.
// It is used by status checks, whose observations may be stale by the time
// they complete.
func (m *Machine) Reconcile(p *profile.Profile, expected, observed profile.State) error {
	m.mu.Lock()
	if p.State != expected {
		m.mu.Unlock()
		m.log.Debug("State: %s moved on from %s, ignoring observed %s", p.Name, expected, observed)
		return nil
	}
	n, err := m.changeStateLocked(p, observed)
	observers := m.observers
	m.mu.Unlock()

	m.dispatch(observers, n)
	return err
}

func (m *Machine) changeStateLocked(p *profile.Profile, state profile.State) ([]notification, error) {
	if !m.registry.Contains(p) {
		m.reject("unknown_profile")
		return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, p.Name)
	}

	old := p.State
	cancelled := false
	if state == profile.StateCancelled {
		cancelled = true
		state = profile.StateIdle
	}
	if old == state {
		return nil, nil
	}

	if !allowedTransition(old, state) {
		m.reject("invalid_transition")
		return nil, fmt.Errorf("%w: %s %s -> %s", common.ErrInvalidTransition, p.Name, old, state)
	}

	if old == profile.StateIdle {
		if m.active != nil && m.active != p {
			m.reject("another_active")
			return nil, fmt.Errorf("%w: %s is %s", common.ErrAnotherActive, m.active.Name, m.active.State)
		}
	} else if m.active != p {
		panic(fmt.Sprintf("state: inconsistent state: %s is %s but is not the active profile", p.Name, old))
	}

	m.log.Info("State: %s: %s -> %s", p.Name, old, state)
	p.State = state
	metrics.StateTransitions.WithLabelValues(old.String(), state.String()).Inc()

	n := []notification{{profile: p.Clone(), from: old, to: state}}

	switch state {
	case profile.StateConnected:
		m.activeActor = nil
		fallthrough
	case profile.StateConnecting:
		m.active = p
		metrics.ActiveProfile.Set(1)
		m.disableOthersLocked()

	case profile.StateDisconnecting:
		if old == profile.StateConnecting {
			m.connectingError = true
		}

	case profile.StateIdle:
		m.active = nil
		m.activeActor = nil
		metrics.ActiveProfile.Set(0)
		m.registry.updateActionable(func(*profile.Profile, bool) bool { return true })

		if old == profile.StateConnecting && !cancelled {
			m.connectingError = true
		}
		if m.connectingError {
			m.connectingError = false
			metrics.ReconnectPrompts.Inc()
			m.log.Info("State: %s failed to connect, prompting for reconnect", p.Name)
			n = append(n, notification{profile: p.Clone(), prompt: true})
		}
	}

	return n, nil
}

// disableOthersLocked marks idle and disconnecting profiles unactionable
// while a session is active.
func (m *Machine) disableOthersLocked() {
	if m.active == nil {
		return
	}
	m.registry.updateActionable(func(p *profile.Profile, current bool) bool {
		if p.State == profile.StateIdle || p.State == profile.StateDisconnecting {
			return false
		}
		return current
	})
}

func (m *Machine) reject(reason string) {
	metrics.TransitionRejections.WithLabelValues(reason).Inc()
}

func (m *Machine) dispatch(observers []Observer, n []notification) {
	for _, note := range n {
		for _, o := range observers {
			if note.prompt {
				o.OnReconnectPrompt(note.profile)
			} else {
				o.OnStateChange(note.profile, note.from, note.to)
			}
		}
	}
}

// ConnectOrDisconnect acts on p according to its current state: an idle
// profile connects, a connecting one is cancelled, a connected one
// disconnects and a disconnecting one re-issues the disconnect. Actor
// calls are made after the lock is released.
func (m *Machine) ConnectOrDisconnect(ctx context.Context, p *profile.Profile) error {
	m.mu.Lock()
	if !m.registry.Contains(p) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, p.Name)
	}

	switch p.State {
	case profile.StateIdle:
		if m.active != nil && m.active != p {
			name := m.active.Name
			m.mu.Unlock()
			m.reject("another_active")
			m.log.Info("State: ignoring connect of %s while %s is active", p.Name, name)
			return fmt.Errorf("%w: %s", common.ErrAnotherActive, name)
		}

		actor, err := m.factory.ActorFor(p)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		n, err := m.changeStateLocked(p, profile.StateConnecting)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.activeActor = actor
		observers := m.observers
		m.mu.Unlock()
		m.dispatch(observers, n)

		if err := actor.Connect(ctx); err != nil {
			m.log.Error("State: failed to connect %s: %v", p.Name, err)
			m.failConnect(p, actor)
			return err
		}
		return nil

	case profile.StateConnecting:
		actor := m.activeActor
		n, err := m.changeStateLocked(p, profile.StateDisconnecting)
		observers := m.observers
		m.mu.Unlock()
		m.dispatch(observers, n)
		if err != nil {
			return err
		}
		return m.disconnect(ctx, p, actor)

	case profile.StateConnected:
		m.connectingError = false
		fallthrough

	default:
		n, err := m.changeStateLocked(p, profile.StateDisconnecting)
		observers := m.observers
		m.mu.Unlock()
		m.dispatch(observers, n)
		if err != nil {
			return err
		}
		return m.disconnect(ctx, p, nil)
	}
}

func (m *Machine) disconnect(ctx context.Context, p *profile.Profile, actor Actor) error {
	if actor == nil {
		var err error
		actor, err = m.factory.ActorFor(p)
		if err != nil {
			return err
		}
	}
	if err := actor.Disconnect(ctx); err != nil {
		m.log.Error("State: failed to disconnect %s: %v", p.Name, err)
		return err
	}
	return nil
}

// failConnect unwinds a connect whose actor failed before reporting any
// progress.
func (m *Machine) failConnect(p *profile.Profile, actor Actor) {
	m.mu.Lock()
	if m.active != p {
		// Already unwound by an event.
		m.mu.Unlock()
		return
	}
	if m.activeActor != nil && m.activeActor != actor {
		m.mu.Unlock()
		panic(fmt.Sprintf("state: inconsistent state: connect failure for %s does not match the active actor", p.Name))
	}
	n, err := m.changeStateLocked(p, profile.StateIdle)
	observers := m.observers
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("State: could not unwind failed connect of %s: %v", p.Name, err)
	}
	m.dispatch(observers, n)
}

// Adopt reconciles persisted states after a load: the first non-idle
// profile becomes the active one and any other non-idle profile is reset.
func (m *Machine) Adopt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.registry.Profiles() {
		if p.State == profile.StateCancelled {
			p.State = profile.StateIdle
		}
		if p.State == profile.StateIdle {
			continue
		}
		if m.active == nil {
			m.active = p
			m.log.Info("State: %s was %s when last saved", p.Name, p.State)
			continue
		}
		m.log.Warn("State: resetting %s from %s, %s is already active", p.Name, p.State, m.active.Name)
		p.State = profile.StateIdle
	}

	if m.active != nil {
		metrics.ActiveProfile.Set(1)
		m.disableOthersLocked()
	} else {
		metrics.ActiveProfile.Set(0)
	}
}

// Active returns a snapshot of the active profile.
func (m *Machine) Active() (*profile.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.active.Clone(), true
}

// StateOf returns p's current state.
func (m *Machine) StateOf(p *profile.Profile) profile.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.State
}

// Rows returns the rendered list in display order.
func (m *Machine) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.registry.orderedEntries()
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, Row{
			Name:       e.Profile.Name,
			Summary:    e.Profile.State.Summary(),
			Actionable: e.Actionable,
		})
	}
	return rows
}

// Snapshot returns copies of every registered profile with their current
// states, in display order.
func (m *Machine) Snapshot() []*profile.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()

	profiles := m.registry.Profiles()
	out := make([]*profile.Profile, len(profiles))
	for i, p := range profiles {
		out[i] = p.Clone()
	}
	return out
}

// Admit registers a new idle profile.
func (m *Machine) Admit(p *profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.State = profile.StateIdle
	if err := m.registry.Add(p); err != nil {
		return err
	}
	m.disableOthersLocked()
	return nil
}

// Editable returns the profile at index if it may be edited or deleted.
func (m *Machine) Editable(index int) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editableLocked(index)
}

func (m *Machine) editableLocked(index int) (*profile.Profile, error) {
	p, ok := m.registry.At(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", common.ErrProfileNotFound, index)
	}
	if p.State != profile.StateIdle {
		return nil, fmt.Errorf("%w: %s is %s", common.ErrProfileBusy, p.Name, p.State)
	}
	return p, nil
}

// ReplaceAt swaps old, still at index and idle, for p.
func (m *Machine) ReplaceAt(index int, old, p *profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.editableLocked(index)
	if err != nil {
		return err
	}
	if current != old {
		return fmt.Errorf("%w: %s moved", common.ErrProfileNotFound, old.Name)
	}

	p.State = profile.StateIdle
	if _, err := m.registry.ReplaceAt(index, p); err != nil {
		return err
	}
	m.disableOthersLocked()
	return nil
}

// RemoveAt unregisters the idle profile at index.
func (m *Machine) RemoveAt(index int) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.editableLocked(index); err != nil {
		return nil, err
	}
	return m.registry.RemoveAt(index)
}

// ActorFor returns an actor for p from the machine's factory.
func (m *Machine) ActorFor(p *profile.Profile) (Actor, error) {
	return m.factory.ActorFor(p)
}
