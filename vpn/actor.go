package vpn

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
)

// Event is a connectivity notification: the named profile's connection
// was observed in State, a state token such as "CONNECTED".
type Event struct {
	ProfileName string
	State       string
}

// Session is the transient state an actor saves so a later process can
// re-attach to a connection it did not start.
type Session map[string]string

// Actor performs the real connect, disconnect and status operations for
// one profile. Connect and Disconnect return once the operation has been
// started; progress is reported as Events, never by touching the Machine.
type Actor interface {
	Profile() *profile.Profile
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// CheckStatus reports the state of the underlying connection.
	CheckStatus(ctx context.Context) (profile.State, error)
	SaveSession(s Session)
	RestoreSession(s Session) error
}

// ActorFactory selects the actor variant for a profile.
type ActorFactory interface {
	ActorFor(p *profile.Profile) (Actor, error)
}

// FactoryConfig configures the default actor factory.
type FactoryConfig struct {
	// ProfilesDir resolves relative paths in actor configuration.
	ProfilesDir string
	// OpenVPNCommand is the argv prefix used to run openvpn.
	OpenVPNCommand []string
	Credentials    common.CredentialStore
	// NetworkManager serves wireguard, l2tp-ipsec and pptp profiles. Nil
	// makes those types unavailable.
	NetworkManager *NetworkManager
	Log            common.Logger
}

// Factory is the default ActorFactory. Actors it returns for the same
// profile share their backend state, so a fresh actor can disconnect a
// connection another actor started.
type Factory struct {
	openvpn *openVPNRunner
	nm      *NetworkManager
	log     common.Logger
}

// NewFactory creates the default factory. emit receives every
// connectivity event produced by the backends.
func NewFactory(cfg FactoryConfig, emit func(Event)) *Factory {
	log := cfg.Log
	if log == nil {
		log = common.GetLogger()
	}
	return &Factory{
		openvpn: newOpenVPNRunner(cfg.OpenVPNCommand, cfg.Credentials, cfg.ProfilesDir, emit, log),
		nm:      cfg.NetworkManager,
		log:     log,
	}
}

// ActorFor returns the actor for p's type.
func (f *Factory) ActorFor(p *profile.Profile) (Actor, error) {
	switch p.Type {
	case profile.TypeOpenVPN:
		return &openVPNActor{profile: p, runner: f.openvpn}, nil
	case profile.TypeWireGuard, profile.TypeL2TPIPSec, profile.TypePPTP:
		if f.nm == nil {
			return nil, fmt.Errorf("%w: NetworkManager is required for %s profiles", common.ErrBackendUnavailable, p.Type)
		}
		cfg, err := parseNMConfig(p.Config)
		if err != nil {
			return nil, err
		}
		f.nm.track(cfg.ConnectionUUID, p.Name)
		return &nmActor{profile: p, uuid: cfg.ConnectionUUID, nm: f.nm}, nil
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownType, p.Type)
	}
}

// Close stops every re-attached process monitor.
func (f *Factory) Close() {
	f.openvpn.close()
}

// resolvePath returns path relative to the profile's storage directory
// unless it is absolute.
func resolvePath(profilesDir string, p *profile.Profile, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(profilesDir, p.ID, path)
}
