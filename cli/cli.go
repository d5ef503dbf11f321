// Package cli provides command-line interface functionality for VPN Profiles.
// This allows users to manage VPN connections from the terminal without
// launching the interactive interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/history"
	"github.com/yllada/vpn-profiles/profile"
	"github.com/yllada/vpn-profiles/vpn"
	"golang.org/x/term"
	"golang.org/x/text/cases"
)

// HistorySource lists journaled transitions.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Options configures a CLI.
type Options struct {
	Manager      *vpn.Manager
	Credentials  common.CredentialStore
	History      HistorySource
	HistoryLimit int
	Out          io.Writer
}

// CLI represents the command-line interface.
type CLI struct {
	manager      *vpn.Manager
	creds        common.CredentialStore
	history      HistorySource
	historyLimit int
	out          io.Writer

	// prompt reads a secret from the user.
	prompt       func(label string) (string, error)
	timeout      time.Duration
	pollInterval time.Duration
}

// New creates a new CLI instance over an opened manager.
func New(opts Options) *CLI {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = common.DefaultHistoryLimit
	}
	return &CLI{
		manager:      opts.Manager,
		creds:        opts.Credentials,
		history:      opts.History,
		historyLimit: limit,
		out:          out,
		prompt:       promptPassword,
		timeout:      common.ConnectionTimeout,
		pollInterval: 200 * time.Millisecond,
	}
}

// ListProfiles lists all configured VPN profiles.
func (c *CLI) ListProfiles() error {
	profiles := c.manager.Profiles()

	if len(profiles) == 0 {
		fmt.Fprintln(c.out, "No VPN profiles configured.")
		fmt.Fprintln(c.out, "Use --add to create one.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS")
	fmt.Fprintln(w, "--\t----\t----\t------")

	for _, p := range profiles {
		// Truncate ID for display
		shortID := p.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID, p.Name, p.Type, p.State.Summary())
	}

	return w.Flush()
}

// Status shows the current connection status.
func (c *CLI) Status() error {
	active, ok := c.manager.Active()
	if !ok {
		fmt.Fprintln(c.out, "No active VPN connection.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tTYPE\tSTATUS")
	fmt.Fprintln(w, "-------\t----\t------")
	fmt.Fprintf(w, "%s\t%s\t%s\n", active.Name, active.Type, active.State)
	return w.Flush()
}

// Connect connects to a VPN profile by name or ID and waits for the
// connection to come up.
func (c *CLI) Connect(ctx context.Context, nameOrID string) error {
	_, p := c.findProfile(nameOrID)
	if p == nil {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, nameOrID)
	}

	switch p.State {
	case profile.StateConnected:
		return fmt.Errorf("already connected to %s", p.Name)
	case profile.StateConnecting:
		return fmt.Errorf("%s is already connecting", p.Name)
	case profile.StateDisconnecting:
		return fmt.Errorf("%s is disconnecting", p.Name)
	}

	if err := c.ensurePassword(p); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Connecting to %s...\n", p.Name)
	if err := c.manager.ConnectOrDisconnect(ctx, p.Name); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	state, err := c.waitFor(ctx, p.Name, profile.StateConnected, profile.StateIdle)
	if err != nil {
		return err
	}
	if state != profile.StateConnected {
		return fmt.Errorf("%w: %s", common.ErrConnectionFailed, p.Name)
	}

	fmt.Fprintf(c.out, "✓ Connected to %s\n", p.Name)
	return nil
}

// ensurePassword prompts for and saves the password of an openvpn
// profile that has a username but no stored password.
func (c *CLI) ensurePassword(p *profile.Profile) error {
	if p.Type != profile.TypeOpenVPN || c.creds == nil {
		return nil
	}
	cfg, err := vpn.ParseOpenVPNConfig(p.Config)
	if err != nil || cfg.Username == "" {
		return err
	}

	_, err = c.creds.Get(p.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrCredentialsNotFound) {
		return err
	}

	password, err := c.prompt(fmt.Sprintf("Password for %s@%s", cfg.Username, p.Name))
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("no password given for %s", p.Name)
	}
	return c.creds.Store(p.ID, password)
}

// Disconnect disconnects from a VPN profile by name or ID.
// If no profile is specified, disconnects the active connection.
func (c *CLI) Disconnect(ctx context.Context, nameOrID string) error {
	var p *profile.Profile
	if nameOrID == "" {
		active, ok := c.manager.Active()
		if !ok {
			fmt.Fprintln(c.out, "No active connections.")
			return nil
		}
		p = active
	} else {
		_, p = c.findProfile(nameOrID)
		if p == nil {
			return fmt.Errorf("%w: %s", common.ErrProfileNotFound, nameOrID)
		}
	}

	if p.State == profile.StateIdle {
		return fmt.Errorf("not connected to %s", p.Name)
	}

	fmt.Fprintf(c.out, "Disconnecting from %s...\n", p.Name)
	if p.State != profile.StateDisconnecting {
		if err := c.manager.ConnectOrDisconnect(ctx, p.Name); err != nil {
			return fmt.Errorf("failed to disconnect: %w", err)
		}
	}

	if _, err := c.waitFor(ctx, p.Name, profile.StateIdle); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "✓ Disconnected from %s\n", p.Name)
	return nil
}

// waitFor polls the named profile until it reaches one of states.
func (c *CLI) waitFor(ctx context.Context, name string, states ...profile.State) (profile.State, error) {
	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return profile.StateIdle, ctx.Err()
		case <-timeout.C:
			return profile.StateIdle, fmt.Errorf("%w: waiting for %s", common.ErrTimeout, name)
		case <-ticker.C:
			p, ok := c.manager.Lookup(name)
			if !ok {
				return profile.StateIdle, fmt.Errorf("%w: %s", common.ErrProfileNotFound, name)
			}
			for _, s := range states {
				if p.State == s {
					return s, nil
				}
			}
		}
	}
}

// AddRequest describes a profile created from the command line.
type AddRequest struct {
	Name string
	Type string
	// Config is the .ovpn file for openvpn profiles and the NetworkManager
	// connection UUID for the other types.
	Config   string
	Username string
	Routes   []string
}

// Add creates a profile.
func (c *CLI) Add(req AddRequest) error {
	typ, err := profile.ParseType(req.Type)
	if err != nil {
		return err
	}

	var p *profile.Profile
	if typ == profile.TypeOpenVPN {
		p, err = c.manager.ImportOpenVPN(req.Name, req.Config, req.Username, req.Routes)
		if err != nil {
			return err
		}
	} else {
		payload, err := (&vpn.NMConfig{ConnectionUUID: req.Config}).Encode()
		if err != nil {
			return err
		}
		p = &profile.Profile{Name: req.Name, Type: typ, Config: payload}
		if err := c.manager.AddProfile(p); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "✓ Added %s (%s)\n", p.Name, p.ID)
	return nil
}

// Rename changes the name of an idle profile.
func (c *CLI) Rename(nameOrID, newName string) error {
	index, p := c.findProfile(nameOrID)
	if p == nil {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, nameOrID)
	}

	q := p.Clone()
	q.Name = strings.TrimSpace(newName)
	if c.manager.DuplicateName(q, index) {
		return fmt.Errorf("%w: %q", common.ErrDuplicateName, q.Name)
	}
	if err := c.manager.ReplaceProfileAt(index, q); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "✓ Renamed %s to %s\n", p.Name, q.Name)
	return nil
}

// Delete removes an idle profile.
func (c *CLI) Delete(nameOrID string) error {
	index, p := c.findProfile(nameOrID)
	if p == nil {
		return fmt.Errorf("%w: %s", common.ErrProfileNotFound, nameOrID)
	}
	if err := c.manager.DeleteProfileAt(index); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "✓ Deleted %s\n", p.Name)
	return nil
}

// History prints the most recent state transitions.
func (c *CLI) History(ctx context.Context) error {
	if c.history == nil {
		return errors.New("history is not available")
	}

	entries, err := c.history.Recent(ctx, c.historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No connection history.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROFILE\tFROM\tTO")
	fmt.Fprintln(w, "----\t-------\t----\t--")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Local().Format("2006-01-02 15:04:05"), e.ProfileName, e.From, e.To)
	}
	return w.Flush()
}

// findProfile finds a profile by name or ID (case-insensitive) and returns
// its position.
func (c *CLI) findProfile(nameOrID string) (int, *profile.Profile) {
	fold := cases.Fold()
	key := fold.String(strings.TrimSpace(nameOrID))
	if key == "" {
		return -1, nil
	}

	profiles := c.manager.Profiles()
	for i, p := range profiles {
		if fold.String(p.Name) == key || fold.String(p.ID) == key {
			return i, p
		}
	}
	for i, p := range profiles {
		if strings.HasPrefix(fold.String(p.ID), key) {
			return i, p
		}
	}
	return -1, nil
}

func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: no terminal to read a password from", common.ErrCredentialsNotFound)
	}

	fmt.Fprintf(os.Stderr, "%s: ", label)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// PrintHelp prints CLI usage help.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `VPN Profiles - Command Line Interface

Usage:
  vpn-profiles [OPTIONS]

Options:
  --version              Show version and exit
  --verbose              Enable verbose logging
  --config FILE          Use FILE instead of the default configuration
  --list                 List all VPN profiles
  --status               Show current connection status
  --connect NAME         Connect to a VPN profile
  --disconnect NAME|all  Disconnect from VPN
  --add NAME             Add a profile (with --type, --file, --username, --routes)
  --rename NAME --to NEW Rename a profile
  --delete NAME          Delete a profile
  --history              Show recent connection state changes
  --help                 Show this help message

Examples:
  vpn-profiles --list
  vpn-profiles --add "Work VPN" --type openvpn --file ~/work.ovpn --username alice
  vpn-profiles --add Home --type wireguard --file 3f2b...-uuid
  vpn-profiles --connect "Work VPN"
  vpn-profiles --disconnect all

Notes:
  - openvpn profiles with a username prompt for the password once and
    keep it in the system keyring
  - wireguard, l2tp-ipsec and pptp profiles reference a NetworkManager
    connection by UUID
  - Run without options to launch the terminal interface`)
}
