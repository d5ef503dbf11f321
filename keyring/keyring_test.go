package keyring

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yllada/vpn-profiles/common"
	gokeyring "github.com/zalando/go-keyring"
)

func testLogger() common.Logger {
	return common.NewLogger(io.Discard, common.LevelDebug)
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", common.CredentialsFileName)
	s := NewFileStore(path, testLogger())

	_, err := s.Get("1")
	assert.True(t, errors.Is(err, common.ErrCredentialsNotFound))

	require.NoError(t, s.Store("1", "hunter2"))
	assert.True(t, s.Exists("1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	// A fresh store reads the file back.
	reopened := NewFileStore(path, testLogger())
	password, err := reopened.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	require.NoError(t, reopened.Delete("1"))
	assert.False(t, reopened.Exists("1"))
	assert.True(t, errors.Is(reopened.Delete("1"), common.ErrCredentialsNotFound))
}

func TestFileStore_RejectsEmptyInput(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "c"), testLogger())

	assert.Error(t, s.Store("", "pw"))
	assert.Error(t, s.Store("1", ""))
	assert.Error(t, s.Delete(""))
	_, err := s.Get("")
	assert.Error(t, err)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c")
	require.NoError(t, os.WriteFile(path, []byte("not base64!"), 0600))

	s := NewFileStore(path, testLogger())
	_, err := s.Get("1")
	assert.True(t, errors.Is(err, common.ErrDecryption))
}

func TestEncryptDecrypt(t *testing.T) {
	secret := []byte("machine-secret")

	sealed, err := encrypt(secret, []byte(`{"a":"b"}`))
	require.NoError(t, err)

	plain, err := decrypt(secret, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"b"}`, string(plain))

	_, err = decrypt([]byte("other-secret"), sealed)
	assert.True(t, errors.Is(err, common.ErrDecryption))

	_, err = decrypt(secret, []byte("c2hvcnQ="))
	assert.True(t, errors.Is(err, common.ErrDecryption))

	// Each seal uses a fresh salt and nonce.
	again, err := encrypt(secret, []byte(`{"a":"b"}`))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestStore_SystemKeyring(t *testing.T) {
	gokeyring.MockInit()
	path := filepath.Join(t.TempDir(), "c")

	s := New(path, testLogger())
	require.True(t, s.UsesSystemKeyring())

	require.NoError(t, s.Store("1", "hunter2"))
	password, err := gokeyring.Get(serviceName, "1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
	assert.NoFileExists(t, path)

	password, err = s.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	require.NoError(t, s.Delete("1"))
	_, err = s.Get("1")
	assert.True(t, errors.Is(err, common.ErrCredentialsNotFound))
}

func TestStore_FallsBackWhenKeyringFails(t *testing.T) {
	gokeyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(gokeyring.MockInit)
	path := filepath.Join(t.TempDir(), "c")

	s := New(path, testLogger())
	assert.False(t, s.UsesSystemKeyring())

	require.NoError(t, s.Store("1", "hunter2"))
	assert.FileExists(t, path)

	password, err := s.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
}
