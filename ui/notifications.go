package ui

import (
	"sync"

	"github.com/gen2brain/beeep"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"github.com/yllada/vpn-profiles/vpn"
)

var (
	_ common.Notifier = (*Notifier)(nil)
	_ vpn.Observer    = (*Notifier)(nil)
)

// Notifier shows desktop notifications for connection events. It is a
// state machine observer: connected, disconnected after having been
// connected, and failed attempts that raise a reconnect prompt.
type Notifier struct {
	enabled bool
	send    func(title, message string) error
	log     common.Logger

	mu sync.Mutex
	// connected holds the ids of profiles that reached CONNECTED and have
	// not returned to IDLE since.
	connected map[string]bool
}

// NewNotifier creates a notifier. A disabled notifier only tracks state.
func NewNotifier(enabled bool, log common.Logger) *Notifier {
	if log == nil {
		log = common.GetLogger()
	}
	return &Notifier{
		enabled:   enabled,
		send:      beeepNotify,
		log:       log,
		connected: make(map[string]bool),
	}
}

func beeepNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Notify sends one desktop notification.
func (n *Notifier) Notify(title, message string) error {
	if !n.enabled {
		return nil
	}
	return n.send(title, message)
}

func (n *Notifier) notify(title, message string) {
	if err := n.Notify(title, message); err != nil {
		n.log.Debug("Notification failed: %v", err)
	}
}

// OnStateChange implements vpn.Observer.
func (n *Notifier) OnStateChange(p *profile.Profile, from, to profile.State) {
	switch to {
	case profile.StateConnected:
		n.mu.Lock()
		n.connected[p.ID] = true
		n.mu.Unlock()
		n.notify("VPN Connected", "Connected to "+p.Name)

	case profile.StateIdle:
		n.mu.Lock()
		was := n.connected[p.ID]
		delete(n.connected, p.ID)
		n.mu.Unlock()
		if was {
			n.notify("VPN Disconnected", "Disconnected from "+p.Name)
		}
	}
}

// OnReconnectPrompt implements vpn.Observer.
func (n *Notifier) OnReconnectPrompt(p *profile.Profile) {
	n.notify("VPN Connection Failed", "Could not connect to "+p.Name)
}
