// Package ui provides the terminal user interface for the VPN profile
// manager.
//
// The interface is a bubbletea program over the Manager's rendered profile
// list:
//
//   - Model: profile list with cursor, connect/disconnect, delete and the
//     reconnect prompt
//   - Application: program lifecycle and the observer that forwards state
//     machine notifications into the program
//   - Notifier: desktop notifications for connection events
//
// # Thread Safety
//
// Model is only touched by the bubbletea event loop. State machine
// observers run on whatever goroutine caused the transition, so
// ProgramObserver turns every notification into a message instead of
// mutating the model.
//
// # File Organization
//
//   - app.go: Application lifecycle and the program observer
//   - profile_list.go: the list model
//   - keys.go: key bindings and help
//   - styles.go: lipgloss styles
//   - notifications.go: desktop notification observer
package ui
