package vpn

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yllada/vpn-profiles/metrics"
	"github.com/yllada/vpn-profiles/profile"
)

func TestBridge_MalformedEventsAreDropped(t *testing.T) {
	fx := newMachineFixture(t, "A")
	a := fx.profiles[0]

	tests := []struct {
		name   string
		event  Event
		result string
	}{
		{"empty name", Event{ProfileName: "", State: "CONNECTED"}, "unknown_profile"},
		{"blank name", Event{ProfileName: "   ", State: "CONNECTED"}, "unknown_profile"},
		{"unknown name", Event{ProfileName: "Nope", State: "CONNECTED"}, "unknown_profile"},
		{"empty state", Event{ProfileName: "A", State: ""}, "bad_state"},
		{"bad state", Event{ProfileName: "A", State: "ONLINE"}, "bad_state"},
		{"invalid transition", Event{ProfileName: "A", State: "DISCONNECTING"}, "rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.BridgeEvents.WithLabelValues(tt.result))

			assert.NotPanics(t, func() {
				assert.False(t, fx.bridge.Deliver(tt.event))
			})

			assert.Equal(t, profile.StateIdle, a.State)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.BridgeEvents.WithLabelValues(tt.result)))
		})
	}

	assert.Empty(t, fx.observer.Changes())
}

func TestBridge_ExactNameMatch(t *testing.T) {
	fx := newMachineFixture(t, "Office", "Office ")
	office, padded := fx.profiles[0], fx.profiles[1]

	require.True(t, fx.bridge.Deliver(Event{ProfileName: "Office ", State: "CONNECTING"}))
	assert.Equal(t, profile.StateIdle, office.State)
	assert.Equal(t, profile.StateConnecting, padded.State)

	before := testutil.ToFloat64(metrics.BridgeEvents.WithLabelValues("unknown_profile"))
	assert.False(t, fx.bridge.Deliver(Event{ProfileName: " Office ", State: "CONNECTED"}))
	assert.False(t, fx.bridge.Deliver(Event{ProfileName: "office ", State: "CONNECTED"}))
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.BridgeEvents.WithLabelValues("unknown_profile")))
	assert.Equal(t, profile.StateConnecting, padded.State)

	require.True(t, fx.bridge.Deliver(Event{ProfileName: "Office ", State: "CONNECTED"}))
	assert.Equal(t, profile.StateConnected, padded.State)
	assert.Equal(t, profile.StateIdle, office.State)
}

func TestBridge_StateTokensMatchExactly(t *testing.T) {
	fx := newMachineFixture(t, "A")

	for _, token := range []string{"connecting", " CONNECTING", "Connecting", "CONNECTING\n"} {
		assert.False(t, fx.bridge.Deliver(Event{ProfileName: "A", State: token}), "token %q", token)
	}
	assert.Equal(t, profile.StateIdle, fx.profiles[0].State)

	assert.True(t, fx.bridge.Deliver(Event{ProfileName: "A", State: "CONNECTING"}))
	assert.Equal(t, profile.StateConnecting, fx.profiles[0].State)
}

func TestBridge_EventForOtherProfileWhileActive(t *testing.T) {
	fx := newMachineFixture(t, "A", "B")

	require.True(t, fx.bridge.Deliver(Event{ProfileName: "A", State: "CONNECTING"}))
	assert.False(t, fx.bridge.Deliver(Event{ProfileName: "B", State: "CONNECTED"}))

	assert.Equal(t, profile.StateIdle, fx.profiles[1].State)
	active, ok := fx.machine.Active()
	require.True(t, ok)
	assert.Equal(t, "A", active.Name)
}

func TestBridge_RunDrainsChannel(t *testing.T) {
	fx := newMachineFixture(t, "A")

	ch := make(chan Event, 4)
	ch <- Event{ProfileName: "A", State: "CONNECTING"}
	ch <- Event{ProfileName: "ghost", State: "IDLE"}
	ch <- Event{ProfileName: "A", State: "CONNECTED"}
	close(ch)

	done := make(chan struct{})
	go func() {
		fx.bridge.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel was closed")
	}
	assert.Equal(t, profile.StateConnected, fx.profiles[0].State)
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	fx := newMachineFixture(t, "A")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		fx.bridge.Run(ctx, make(chan Event))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
