// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yllada/vpn-profiles/common"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "vpn-profiles"
	checkKey    = "vpn-profiles-check"
	saltSize    = 16
)

// argon2id parameters for the fallback file key.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Store saves profile passwords. It implements common.CredentialStore.
type Store struct {
	mu       sync.Mutex
	system   bool
	file     string
	secret   []byte
	loaded   bool
	fallback map[string]string
	log      common.Logger
}

var _ common.CredentialStore = (*Store)(nil)

// New creates a store that prefers the system keyring and keeps an
// encrypted fallback file at path.
func New(path string, log common.Logger) *Store {
	s := newStore(path, log)

	if err := keyring.Set(serviceName, checkKey, "check"); err != nil {
		s.log.Warn("Keyring: system keyring unavailable, using %s: %v", path, err)
		return s
	}
	keyring.Delete(serviceName, checkKey)
	s.system = true
	return s
}

// NewFileStore creates a store backed only by the encrypted file at path.
func NewFileStore(path string, log common.Logger) *Store {
	return newStore(path, log)
}

func newStore(path string, log common.Logger) *Store {
	if log == nil {
		log = common.GetLogger()
	}
	return &Store{
		file:     path,
		secret:   machineSecret(),
		fallback: make(map[string]string),
		log:      log,
	}
}

// UsesSystemKeyring reports whether the system keyring is the primary
// backend.
func (s *Store) UsesSystemKeyring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system
}

// Store saves a password for a VPN profile.
func (s *Store) Store(profileID, password string) error {
	if profileID == "" {
		return fmt.Errorf("%w: profile ID cannot be empty", common.ErrCredentialStorage)
	}
	if password == "" {
		return fmt.Errorf("%w: password cannot be empty", common.ErrCredentialStorage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.system {
		err := keyring.Set(serviceName, profileID, password)
		if err == nil {
			return nil
		}
		s.log.Warn("Keyring: falling back to encrypted file: %v", err)
		s.system = false
	}

	if err := s.loadLocked(); err != nil {
		return err
	}
	s.fallback[profileID] = password
	return s.saveLocked()
}

// Get retrieves a password for a VPN profile.
func (s *Store) Get(profileID string) (string, error) {
	if profileID == "" {
		return "", fmt.Errorf("%w: profile ID cannot be empty", common.ErrCredentialsNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.system {
		password, err := keyring.Get(serviceName, profileID)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			s.log.Warn("Keyring: lookup of %s failed: %v", profileID, err)
		}
	}

	if err := s.loadLocked(); err != nil {
		return "", err
	}
	password, ok := s.fallback[profileID]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return password, nil
}

// Delete removes a password for a VPN profile from every backend.
func (s *Store) Delete(profileID string) error {
	if profileID == "" {
		return fmt.Errorf("%w: profile ID cannot be empty", common.ErrCredentialStorage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	if s.system {
		err := keyring.Delete(serviceName, profileID)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, keyring.ErrNotFound):
			s.log.Warn("Keyring: delete of %s failed: %v", profileID, err)
		}
	}

	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.fallback[profileID]; ok {
		delete(s.fallback, profileID)
		found = true
		if err := s.saveLocked(); err != nil {
			return err
		}
	}

	if !found {
		return common.ErrCredentialsNotFound
	}
	return nil
}

// Exists checks if a credential exists for a VPN profile.
func (s *Store) Exists(profileID string) bool {
	_, err := s.Get(profileID)
	return err == nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}

	plaintext, err := decrypt(s.secret, data)
	if err != nil {
		return err
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	s.fallback = entries
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.fallback)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(s.secret, data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.file), 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := os.WriteFile(s.file, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// machineSecret is the key material for the fallback file: stable for
// this user on this machine.
func machineSecret() []byte {
	hostname, _ := os.Hostname()
	return []byte(fmt.Sprintf("%s-%s-%s-%d", serviceName, hostname, getMachineID(), os.Getuid()))
}

func getMachineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// encrypt seals plaintext as base64(salt | nonce | ciphertext).
func encrypt(secret, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	out := append(salt, sealed...)
	return []byte(base64.StdEncoding.EncodeToString(out)), nil
}

func decrypt(secret, data []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(raw) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	salt, rest := raw[:saltSize], raw[saltSize:]
	aead, err := chacha20poly1305.NewX(deriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plaintext, nil
}
