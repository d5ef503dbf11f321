// Package common provides shared constants, types, and utilities
// used across the VPN profile manager.
package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a unique identifier suitable for profile IDs.
// The dashless form keeps ids usable as plain directory names.
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetDataDir returns the path to the application data directory, where
// profiles, the session file, logs and the history journal live.
func GetDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	dataDir := filepath.Join(homeDir, ".local", "share", ConfigDirName)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", WrapError(err, "failed to create data directory")
	}

	return dataDir, nil
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// IsSafePathElement reports whether s can be used as a single directory name
// without escaping its parent.
func IsSafePathElement(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return filepath.Base(s) == s && !filepath.IsAbs(s)
}
