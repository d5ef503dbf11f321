// Package profile defines VPN connection profiles and their durable,
// directory-per-profile storage.
package profile

import (
	"fmt"
	"strings"

	"github.com/yllada/vpn-profiles/common"
)

// Type is the connection kind of a profile. The set is closed; every value
// maps to exactly one actor variant.
type Type string

const (
	TypeOpenVPN   Type = "openvpn"
	TypeWireGuard Type = "wireguard"
	TypeL2TPIPSec Type = "l2tp-ipsec"
	TypePPTP      Type = "pptp"
)

// Types lists every supported connection kind in display order.
func Types() []Type {
	return []Type{TypeOpenVPN, TypeWireGuard, TypeL2TPIPSec, TypePPTP}
}

// ParseType validates a type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", common.ErrUnknownType, s)
}

// State is the connection state of a profile.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	// StateCancelled is transient: it always folds into StateIdle and is
	// never observable on a profile.
	StateCancelled
)

// String returns the wire token of the state, as carried by connectivity
// events and stored in records.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Summary returns the human-readable status line shown next to a profile.
func (s State) Summary() string {
	switch s {
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting..."
	default:
		return "Select to connect"
	}
}

// ParseState maps a wire token to a State. Tokens are matched exactly.
func ParseState(token string) (State, error) {
	switch token {
	case "IDLE":
		return StateIdle, nil
	case "CONNECTING":
		return StateConnecting, nil
	case "CONNECTED":
		return StateConnected, nil
	case "DISCONNECTING":
		return StateDisconnecting, nil
	case "CANCELLED":
		return StateCancelled, nil
	default:
		return StateIdle, fmt.Errorf("%w: %q", common.ErrUnknownState, token)
	}
}

// Profile is a named, persisted VPN connection configuration.
//
// ID is assigned at creation and never changes; it names the storage
// directory. Name is unique across loaded profiles, which the registry
// enforces. Config is an opaque payload owned by the actor for Type.
// State is guarded by the state machine once the profile is registered.
type Profile struct {
	ID     string
	Name   string
	Type   Type
	Config []byte
	State  State
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.Config != nil {
		c.Config = append([]byte(nil), p.Config...)
	}
	return &c
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", common.ErrInvalidProfile)
	}
	if !common.IsSafePathElement(p.ID) {
		return fmt.Errorf("%w: id %q is not a valid directory name", common.ErrInvalidProfile, p.ID)
	}
	if _, err := ParseType(string(p.Type)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidProfile, err)
	}
	return nil
}
