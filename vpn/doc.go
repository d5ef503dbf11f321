// Package vpn provides VPN connection management functionality for VPN Profiles.
//
// This package implements the connection core:
//
//   - Registry: the ordered, name-indexed set of loaded profiles
//   - Machine: per-profile connection states and the single active session
//   - Actors: connect, disconnect and status checks per profile type
//   - Bridge: asynchronous connectivity events fed back into the Machine
//   - StatusSweep: startup reconciliation of persisted states
//   - Manager: the facade used by the terminal UI and the CLI
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. The user selects a profile through the UI
//  2. UI calls Manager.ConnectOrDisconnect() with the profile name
//  3. Machine moves the profile to CONNECTING and starts its actor
//  4. The actor reports progress as Events (CONNECTED, IDLE, ...)
//  5. Bridge applies the events; observers re-render
//
// # Backends
//
// OpenVPN profiles run an openvpn process whose output is scanned for
// milestones. WireGuard, L2TP/IPsec and PPTP profiles are activated through
// NetworkManager over D-Bus, whose StateChanged signals become Events.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Transitions from the UI,
// the status sweep and the bridge are serialized by the Machine's lock;
// the Machine takes it before the Registry's.
package vpn
