package vpn

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"gopkg.in/yaml.v3"
)

const (
	nmDest               = "org.freedesktop.NetworkManager"
	nmPath               = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmSettingsPath       = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	nmIface              = "org.freedesktop.NetworkManager"
	nmSettingsIface      = "org.freedesktop.NetworkManager.Settings"
	nmActiveIface        = "org.freedesktop.NetworkManager.Connection.Active"
	nmStateChangedMember = "StateChanged"
)

// NetworkManager active connection states.
const (
	nmActiveUnknown      uint32 = 0
	nmActiveActivating   uint32 = 1
	nmActiveActivated    uint32 = 2
	nmActiveDeactivating uint32 = 3
	nmActiveDeactivated  uint32 = 4
)

// nmStateToProfile maps an active connection state to a profile state.
func nmStateToProfile(state uint32) (profile.State, bool) {
	switch state {
	case nmActiveActivating:
		return profile.StateConnecting, true
	case nmActiveActivated:
		return profile.StateConnected, true
	case nmActiveDeactivating:
		return profile.StateDisconnecting, true
	case nmActiveDeactivated:
		return profile.StateIdle, true
	default:
		return profile.StateIdle, false
	}
}

// NMConfig is the actor-owned payload of a NetworkManager-backed profile.
type NMConfig struct {
	// ConnectionUUID names the NetworkManager connection to activate.
	ConnectionUUID string `yaml:"connection_uuid"`
}

// Encode serializes the payload.
func (c *NMConfig) Encode() ([]byte, error) {
	if c.ConnectionUUID == "" {
		return nil, fmt.Errorf("%w: connection uuid is required", common.ErrInvalidProfile)
	}
	return yaml.Marshal(c)
}

func parseNMConfig(data []byte) (*NMConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg NMConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: networkmanager payload: %v", common.ErrInvalidProfile, err)
	}
	if cfg.ConnectionUUID == "" {
		return nil, fmt.Errorf("%w: networkmanager payload has no connection uuid", common.ErrInvalidProfile)
	}
	return &cfg, nil
}

// nmClient is the slice of the NetworkManager D-Bus API the actors use.
type nmClient interface {
	Activate(ctx context.Context, uuid string) error
	Deactivate(ctx context.Context, uuid string) error
	// ActiveState returns the state of the active connection for uuid;
	// ok is false when the connection is not active.
	ActiveState(ctx context.Context, uuid string) (state uint32, ok bool, err error)
	// Watch calls fn for every active connection state change until ctx
	// is cancelled.
	Watch(ctx context.Context, fn func(uuid string, state uint32)) error
	Close() error
}

// NetworkManager serves wireguard, l2tp-ipsec and pptp profiles through
// NetworkManager and turns its state signals into events.
type NetworkManager struct {
	client nmClient
	log    common.Logger

	mu    sync.Mutex
	names map[string]string // connection uuid -> profile name
}

// ConnectNetworkManager connects to NetworkManager on the system bus.
func ConnectNetworkManager(log common.Logger) (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", common.ErrBackendUnavailable, err)
	}

	client := &dbusNMClient{conn: conn}
	ctx, cancel := context.WithTimeout(context.Background(), common.DBusCallTimeout)
	defer cancel()
	if err := client.ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: NetworkManager: %v", common.ErrBackendUnavailable, err)
	}
	return newNetworkManager(client, log), nil
}

func newNetworkManager(client nmClient, log common.Logger) *NetworkManager {
	if log == nil {
		log = common.GetLogger()
	}
	return &NetworkManager{
		client: client,
		log:    log,
		names:  make(map[string]string),
	}
}

// track binds a connection uuid to the profile name used in events.
func (n *NetworkManager) track(uuid, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names[uuid] = name
}

func (n *NetworkManager) nameFor(uuid string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	name, ok := n.names[uuid]
	return name, ok
}

// Watch forwards state changes of tracked connections to emit until ctx is
// cancelled. Untracked connections are ignored.
func (n *NetworkManager) Watch(ctx context.Context, emit func(Event)) error {
	return n.client.Watch(ctx, func(uuid string, state uint32) {
		name, ok := n.nameFor(uuid)
		if !ok {
			return
		}
		s, ok := nmStateToProfile(state)
		if !ok {
			n.log.Debug("NM: ignoring state %d for %s", state, name)
			return
		}
		n.log.Debug("NM: %s is %s", name, s)
		emit(Event{ProfileName: name, State: s.String()})
	})
}

// Close releases the bus connection.
func (n *NetworkManager) Close() error {
	return n.client.Close()
}

// nmActor activates and deactivates a NetworkManager connection.
type nmActor struct {
	profile *profile.Profile
	uuid    string
	nm      *NetworkManager
}

func (a *nmActor) Profile() *profile.Profile {
	return a.profile
}

func (a *nmActor) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, common.DBusCallTimeout)
	defer cancel()

	a.nm.log.Info("NM: activating %s (%s)", a.profile.Name, a.uuid)
	if err := a.nm.client.Activate(ctx, a.uuid); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
	}
	return nil
}

func (a *nmActor) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, common.DBusCallTimeout)
	defer cancel()

	a.nm.log.Info("NM: deactivating %s (%s)", a.profile.Name, a.uuid)
	return a.nm.client.Deactivate(ctx, a.uuid)
}

func (a *nmActor) CheckStatus(ctx context.Context) (profile.State, error) {
	ctx, cancel := context.WithTimeout(ctx, common.DBusCallTimeout)
	defer cancel()

	state, ok, err := a.nm.client.ActiveState(ctx, a.uuid)
	if err != nil {
		return profile.StateIdle, err
	}
	if !ok {
		return profile.StateIdle, nil
	}
	s, _ := nmStateToProfile(state)
	return s, nil
}

// NetworkManager owns its connections across restarts; there is nothing
// to carry in a session.
func (a *nmActor) SaveSession(Session) {}

func (a *nmActor) RestoreSession(Session) error {
	return nil
}

// dbusNMClient talks to NetworkManager over D-Bus.
type dbusNMClient struct {
	conn *dbus.Conn

	mu    sync.Mutex
	paths map[dbus.ObjectPath]string // active connection path -> uuid
}

func (c *dbusNMClient) ping(ctx context.Context) error {
	var version string
	v, err := c.conn.Object(nmDest, nmPath).GetProperty(nmIface + ".Version")
	if err != nil {
		return err
	}
	if err := v.Store(&version); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *dbusNMClient) connectionPath(ctx context.Context, uuid string) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	err := c.conn.Object(nmDest, nmSettingsPath).
		CallWithContext(ctx, nmSettingsIface+".GetConnectionByUuid", 0, uuid).
		Store(&path)
	if err != nil {
		return "", fmt.Errorf("connection %s: %w", uuid, err)
	}
	return path, nil
}

func (c *dbusNMClient) Activate(ctx context.Context, uuid string) error {
	connPath, err := c.connectionPath(ctx, uuid)
	if err != nil {
		return err
	}

	var active dbus.ObjectPath
	err = c.conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmIface+".ActivateConnection", 0, connPath, dbus.ObjectPath("/"), dbus.ObjectPath("/")).
		Store(&active)
	if err != nil {
		return err
	}
	c.remember(active, uuid)
	return nil
}

func (c *dbusNMClient) Deactivate(ctx context.Context, uuid string) error {
	active, ok, err := c.findActive(ctx, uuid)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrNotConnected
	}
	return c.conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmIface+".DeactivateConnection", 0, active).Err
}

func (c *dbusNMClient) ActiveState(ctx context.Context, uuid string) (uint32, bool, error) {
	active, ok, err := c.findActive(ctx, uuid)
	if err != nil || !ok {
		return nmActiveUnknown, ok, err
	}
	v, err := c.conn.Object(nmDest, active).GetProperty(nmActiveIface + ".State")
	if err != nil {
		return nmActiveUnknown, false, err
	}
	var state uint32
	if err := v.Store(&state); err != nil {
		return nmActiveUnknown, false, err
	}
	return state, true, nil
}

func (c *dbusNMClient) findActive(ctx context.Context, uuid string) (dbus.ObjectPath, bool, error) {
	v, err := c.conn.Object(nmDest, nmPath).GetProperty(nmIface + ".ActiveConnections")
	if err != nil {
		return "", false, err
	}
	var paths []dbus.ObjectPath
	if err := v.Store(&paths); err != nil {
		return "", false, err
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		id, err := c.activeUUID(path)
		if err != nil {
			continue
		}
		if id == uuid {
			return path, true, nil
		}
	}
	return "", false, nil
}

func (c *dbusNMClient) activeUUID(path dbus.ObjectPath) (string, error) {
	c.mu.Lock()
	uuid, ok := c.paths[path]
	c.mu.Unlock()
	if ok {
		return uuid, nil
	}

	v, err := c.conn.Object(nmDest, path).GetProperty(nmActiveIface + ".Uuid")
	if err != nil {
		return "", err
	}
	if err := v.Store(&uuid); err != nil {
		return "", err
	}
	c.remember(path, uuid)
	return uuid, nil
}

func (c *dbusNMClient) remember(path dbus.ObjectPath, uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths == nil {
		c.paths = make(map[dbus.ObjectPath]string)
	}
	c.paths[path] = uuid
}

func (c *dbusNMClient) forget(path dbus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, path)
}

func (c *dbusNMClient) Watch(ctx context.Context, fn func(uuid string, state uint32)) error {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(nmActiveIface),
		dbus.WithMatchMember(nmStateChangedMember),
	); err != nil {
		return fmt.Errorf("failed to subscribe to NetworkManager signals: %w", err)
	}

	signals := make(chan *dbus.Signal, common.EventQueueSize)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Name != nmActiveIface+"."+nmStateChangedMember || len(sig.Body) == 0 {
				continue
			}
			state, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			uuid, err := c.activeUUID(sig.Path)
			if err != nil {
				continue
			}
			if state == nmActiveDeactivated {
				c.forget(sig.Path)
			}
			fn(uuid, state)
		}
	}
}

func (c *dbusNMClient) Close() error {
	return c.conn.Close()
}
