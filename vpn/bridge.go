package vpn

import (
	"context"
	"errors"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/metrics"
	"github.com/yllada/vpn-profiles/profile"
)

// Bridge feeds connectivity events into the state machine. Events naming
// an unknown profile, carrying an unrecognized state or requesting a
// transition the machine refuses are logged and dropped.
type Bridge struct {
	registry *Registry
	machine  *Machine
	log      common.Logger
}

// NewBridge creates a bridge delivering into machine.
func NewBridge(registry *Registry, machine *Machine, log common.Logger) *Bridge {
	if log == nil {
		log = common.GetLogger()
	}
	return &Bridge{registry: registry, machine: machine, log: log}
}

// Deliver applies ev and reports whether it caused a transition attempt
// that the machine accepted. The profile name must match a registered
// name exactly.
func (b *Bridge) Deliver(ev Event) bool {
	name := ev.ProfileName
	if name == "" {
		b.drop("unknown_profile", "Bridge: ignoring event without a profile name")
		return false
	}

	p, ok := b.registry.Lookup(name)
	if !ok {
		b.drop("unknown_profile", "Bridge: ignoring event for unknown profile %q", name)
		return false
	}

	if ev.State == "" {
		b.drop("bad_state", "Bridge: ignoring event for %s without a state", name)
		return false
	}
	state, err := profile.ParseState(ev.State)
	if err != nil {
		b.drop("bad_state", "Bridge: ignoring event for %s: %v", name, err)
		return false
	}

	if err := b.machine.ChangeState(p, state); err != nil {
		if errors.Is(err, common.ErrProfileNotFound) {
			b.drop("unknown_profile", "Bridge: %s was replaced before its event arrived", name)
		} else {
			b.drop("rejected", "Bridge: rejected event %s for %s: %v", state, name, err)
		}
		return false
	}

	metrics.BridgeEvents.WithLabelValues("applied").Inc()
	return true
}

func (b *Bridge) drop(result, msg string, args ...interface{}) {
	metrics.BridgeEvents.WithLabelValues(result).Inc()
	b.log.Warn(msg, args...)
}

// Run delivers events from ch until ctx is cancelled or ch is closed.
func (b *Bridge) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.Deliver(ev)
		}
	}
}
