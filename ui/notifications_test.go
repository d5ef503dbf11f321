package ui

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
)

type sentNotification struct {
	title, message string
}

func newTestNotifier(enabled bool) (*Notifier, *[]sentNotification) {
	var sent []sentNotification
	n := NewNotifier(enabled, common.NewLogger(io.Discard, common.LevelDebug))
	n.send = func(title, message string) error {
		sent = append(sent, sentNotification{title, message})
		return nil
	}
	return n, &sent
}

func TestNotifier_ConnectDisconnect(t *testing.T) {
	n, sent := newTestNotifier(true)
	p := &profile.Profile{ID: "1", Name: "Work"}

	n.OnStateChange(p, profile.StateIdle, profile.StateConnecting)
	n.OnStateChange(p, profile.StateConnecting, profile.StateConnected)
	n.OnStateChange(p, profile.StateConnected, profile.StateDisconnecting)
	n.OnStateChange(p, profile.StateDisconnecting, profile.StateIdle)

	assert.Equal(t, []sentNotification{
		{"VPN Connected", "Connected to Work"},
		{"VPN Disconnected", "Disconnected from Work"},
	}, *sent)
}

func TestNotifier_FailedAttempt(t *testing.T) {
	n, sent := newTestNotifier(true)
	p := &profile.Profile{ID: "1", Name: "Work"}

	n.OnStateChange(p, profile.StateIdle, profile.StateConnecting)
	n.OnStateChange(p, profile.StateConnecting, profile.StateIdle)
	n.OnReconnectPrompt(p)

	assert.Equal(t, []sentNotification{
		{"VPN Connection Failed", "Could not connect to Work"},
	}, *sent)
}

func TestNotifier_AdoptedConnection(t *testing.T) {
	n, sent := newTestNotifier(true)
	p := &profile.Profile{ID: "1", Name: "Work"}

	n.OnStateChange(p, profile.StateIdle, profile.StateConnected)
	n.OnStateChange(p, profile.StateConnected, profile.StateIdle)
	assert.Len(t, *sent, 2)
}

func TestNotifier_Disabled(t *testing.T) {
	n, sent := newTestNotifier(false)
	p := &profile.Profile{ID: "1", Name: "Work"}

	n.OnStateChange(p, profile.StateIdle, profile.StateConnected)
	n.OnReconnectPrompt(p)
	n.OnStateChange(p, profile.StateConnected, profile.StateIdle)

	assert.Empty(t, *sent)
	assert.NoError(t, n.Notify("title", "message"))
}

func TestNotifier_SendErrorIgnored(t *testing.T) {
	n := NewNotifier(true, common.NewLogger(io.Discard, common.LevelDebug))
	n.send = func(string, string) error { return errors.New("no notification daemon") }

	assert.NotPanics(t, func() {
		n.OnReconnectPrompt(&profile.Profile{ID: "1", Name: "Work"})
	})
	assert.Error(t, n.Notify("title", "message"))
}
