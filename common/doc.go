// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VPN profile manager.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: file names, timeouts, worker and queue sizes
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: Abstractions for credential storage, notifications, and logging
//   - Logger: Leveled logging with an optional rotating file sink
//   - Utils: Directory helpers and profile id generation
//
// # Usage
//
//	import "github.com/yllada/vpn-profiles/common"
//
//	common.LogInfo("Store: loaded %d profiles", n)
//
//	if errors.Is(err, common.ErrDuplicateName) {
//	    // re-open the editor with the submitted profile
//	}
package common
