// Package common provides shared constants, types, and utilities
// used across the VPN profile manager.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "VPN Profiles"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-profiles"
)

// File names used by the application.
const (
	// ProfileRecordFileName is the fixed record file inside every profile directory.
	ProfileRecordFileName = "profile.yaml"
	ConfigFileName        = "config.yaml"
	CredentialsFileName   = ".credentials"
	SessionFileName       = "session.yaml"
	HistoryFileName       = "history.db"
	LogFileName           = "vpn-profiles.log"
)

// Directory names under the state directory.
const (
	ProfilesDirName = "profiles"
	LogsDirName     = "logs"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is how long the CLI waits for a connection to come up.
	ConnectionTimeout = 30 * time.Second
	// MonitorInterval is how often a re-attached process is polled for liveness.
	MonitorInterval = 1 * time.Second
	// TeardownTimeout bounds how long a disconnect waits before killing a process.
	TeardownTimeout = 5 * time.Second
	// DBusCallTimeout bounds a single NetworkManager method call.
	DBusCallTimeout = 5 * time.Second
)

// Worker and queue sizes.
const (
	DefaultStatusWorkers = 4
	MaxStatusWorkers     = 32
	EventQueueSize       = 64
	HistoryQueueSize     = 256
	DefaultHistoryLimit  = 20
)

// Backend selection values.
const (
	BackendAuto           = "auto"
	BackendNetworkManager = "networkmanager"
	BackendNone           = "none"
)
