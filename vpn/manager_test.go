package vpn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"gopkg.in/yaml.v3"
)

type memCredentials struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (c *memCredentials) Store(id, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[id] = password
	return nil
}

func (c *memCredentials) Get(id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.secrets[id]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return s, nil
}

func (c *memCredentials) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.secrets[id]; !ok {
		return common.ErrCredentialsNotFound
	}
	delete(c.secrets, id)
	return nil
}

type managerFixture struct {
	manager  *Manager
	factory  *fakeFactory
	creds    *memCredentials
	root     string
	stateDir string
}

func newManagerFixture(t *testing.T, root, stateDir string, f *fakeFactory) *managerFixture {
	t.Helper()

	creds := &memCredentials{secrets: make(map[string]string)}
	m := NewManager(ManagerConfig{
		Store:         profile.NewStore(root, testLogger()),
		StateDir:      stateDir,
		StatusWorkers: 2,
		Credentials:   creds,
		Log:           testLogger(),
		NewFactory: func(emit func(Event)) ActorFactory {
			f.emit = emit
			return f
		},
	})
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitStatus(ctx))

	return &managerFixture{manager: m, factory: f, creds: creds, root: root, stateDir: stateDir}
}

func newEmptyManager(t *testing.T) *managerFixture {
	t.Helper()
	dir := t.TempDir()
	return newManagerFixture(t, filepath.Join(dir, "profiles"), filepath.Join(dir, "state"), newFakeFactory())
}

func officeProfile(id string) *profile.Profile {
	return &profile.Profile{ID: id, Name: "Office", Type: profile.TypeOpenVPN, Config: []byte("config_file: client.ovpn\n")}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestManager_AddProfile(t *testing.T) {
	fx := newEmptyManager(t)

	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))

	rows := fx.manager.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, Row{Name: "Office", Summary: "Select to connect", Actionable: true}, rows[0])

	assert.Equal(t, []string{"1"}, dirEntries(t, fx.root))
	assert.Equal(t, []string{common.ProfileRecordFileName}, dirEntries(t, filepath.Join(fx.root, "1")))
}

func TestManager_AddProfileAssignsID(t *testing.T) {
	fx := newEmptyManager(t)

	p := officeProfile("")
	require.NoError(t, fx.manager.AddProfile(p))
	assert.NotEmpty(t, p.ID)

	stored, ok := fx.manager.Lookup("Office")
	require.True(t, ok)
	assert.Equal(t, p.ID, stored.ID)
	assert.DirExists(t, filepath.Join(fx.root, p.ID))
}

func TestManager_AddDuplicateName(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))

	err := fx.manager.AddProfile(officeProfile("2"))
	assert.True(t, errors.Is(err, common.ErrDuplicateName))

	assert.Len(t, fx.manager.Rows(), 1)
	assert.NoDirExists(t, filepath.Join(fx.root, "2"))
}

func TestManager_AddRejectsInvalid(t *testing.T) {
	fx := newEmptyManager(t)

	err := fx.manager.AddProfile(&profile.Profile{ID: "1", Name: " ", Type: profile.TypeOpenVPN})
	assert.True(t, errors.Is(err, common.ErrInvalidProfile))

	err = fx.manager.AddProfile(&profile.Profile{ID: "../x", Name: "x", Type: profile.TypeOpenVPN})
	assert.True(t, errors.Is(err, common.ErrInvalidProfile))

	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))
	home := officeProfile("1")
	home.Name = "Home"
	err = fx.manager.AddProfile(home)
	assert.True(t, errors.Is(err, common.ErrInvalidProfile))

	assert.Len(t, fx.manager.Rows(), 1)
}

func TestManager_ReplaceProfileInPlace(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))

	edited := officeProfile("1")
	edited.Config = []byte("config_file: other.ovpn\n")
	require.NoError(t, fx.manager.ReplaceProfileAt(0, edited))

	assert.Equal(t, []string{"1"}, dirEntries(t, fx.root))
	loaded, err := profile.NewStore(fx.root, testLogger()).LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "config_file: other.ovpn\n", string(loaded[0].Config))
	assert.Len(t, fx.manager.Rows(), 1)
}

func TestManager_ReplaceProfileRename(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))
	home := officeProfile("2")
	home.Name = "Home"
	require.NoError(t, fx.manager.AddProfile(home))

	renamed := officeProfile("")
	renamed.Name = "Headquarters"
	require.NoError(t, fx.manager.ReplaceProfileAt(0, renamed))

	rows := fx.manager.Rows()
	assert.Equal(t, "Headquarters", rows[0].Name)
	_, ok := fx.manager.Lookup("Office")
	assert.False(t, ok)

	clash := officeProfile("1")
	clash.Name = "Home"
	err := fx.manager.ReplaceProfileAt(0, clash)
	assert.True(t, errors.Is(err, common.ErrDuplicateName))
}

func TestManager_ReplaceProfileKeepsID(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))

	err := fx.manager.ReplaceProfileAt(0, officeProfile("9"))
	assert.True(t, errors.Is(err, common.ErrIDMismatch))
	assert.NoDirExists(t, filepath.Join(fx.root, "9"))
}

func TestManager_ReplaceOutOfRangeAdds(t *testing.T) {
	fx := newEmptyManager(t)

	require.NoError(t, fx.manager.ReplaceProfileAt(3, officeProfile("1")))
	assert.Len(t, fx.manager.Rows(), 1)
}

func TestManager_EditsRequireIdle(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))
	require.NoError(t, fx.manager.ConnectOrDisconnect(context.Background(), "Office"))

	err := fx.manager.ReplaceProfileAt(0, officeProfile("1"))
	assert.True(t, errors.Is(err, common.ErrProfileBusy))

	err = fx.manager.DeleteProfileAt(0)
	assert.True(t, errors.Is(err, common.ErrProfileBusy))
	assert.DirExists(t, filepath.Join(fx.root, "1"))
}

func TestManager_DeleteProfile(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))
	require.NoError(t, fx.creds.Store("1", "hunter2"))

	require.NoError(t, fx.manager.DeleteProfileAt(0))

	assert.Empty(t, fx.manager.Rows())
	assert.NoDirExists(t, filepath.Join(fx.root, "1"))
	_, err := fx.creds.Get("1")
	assert.True(t, errors.Is(err, common.ErrCredentialsNotFound))

	err = fx.manager.DeleteProfileAt(0)
	assert.True(t, errors.Is(err, common.ErrProfileNotFound))
}

func TestManager_EventsReachMachine(t *testing.T) {
	fx := newEmptyManager(t)
	require.NoError(t, fx.manager.AddProfile(officeProfile("1")))

	var prompts []string
	var mu sync.Mutex
	fx.manager.Subscribe(ObserverFuncs{ReconnectPrompt: func(p *profile.Profile) {
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, p.Name)
	}})

	require.NoError(t, fx.manager.ConnectOrDisconnect(context.Background(), "Office"))
	fx.factory.emit(Event{ProfileName: "Office", State: "CONNECTED"})

	require.Eventually(t, func() bool {
		active, ok := fx.manager.Active()
		return ok && active.State == profile.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	fx.factory.emit(Event{ProfileName: "Office", State: "IDLE"})
	require.Eventually(t, func() bool {
		_, ok := fx.manager.Active()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, prompts)
}

func TestManager_ConnectUnknownProfile(t *testing.T) {
	fx := newEmptyManager(t)
	err := fx.manager.ConnectOrDisconnect(context.Background(), "Nowhere")
	assert.True(t, errors.Is(err, common.ErrProfileNotFound))
}

func TestManager_SessionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	root, stateDir := filepath.Join(dir, "profiles"), filepath.Join(dir, "state")

	first := newManagerFixture(t, root, stateDir, newFakeFactory())
	require.NoError(t, first.manager.AddProfile(officeProfile("1")))
	home := officeProfile("2")
	home.Name = "Home"
	require.NoError(t, first.manager.AddProfile(home))

	require.NoError(t, first.manager.ConnectOrDisconnect(context.Background(), "Office"))
	require.True(t, first.manager.Deliver(Event{ProfileName: "Office", State: "CONNECTED"}))
	require.NoError(t, first.manager.Close())

	data, err := os.ReadFile(filepath.Join(stateDir, common.SessionFileName))
	require.NoError(t, err)
	var sf sessionFile
	require.NoError(t, yaml.Unmarshal(data, &sf))
	assert.Equal(t, "1", sf.ProfileID)
	assert.Equal(t, "CONNECTED", sf.State)
	assert.Equal(t, "1", sf.Actor["id"])

	f := newFakeFactory()
	f.setStatus("1", profile.StateConnected)
	second := newManagerFixture(t, root, stateDir, f)

	active, ok := second.manager.Active()
	require.True(t, ok)
	assert.Equal(t, "Office", active.Name)
	assert.Equal(t, profile.StateConnected, active.State)

	f.mu.Lock()
	require.Len(t, f.restored, 1)
	assert.Equal(t, "1", f.restored[0]["id"])
	f.mu.Unlock()

	assert.NoFileExists(t, filepath.Join(stateDir, common.SessionFileName))

	rows := second.manager.Rows()
	assert.True(t, rows[0].Actionable)
	assert.False(t, rows[1].Actionable)
}

func TestManager_StaleStateResetOnOpen(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "profiles")

	store := profile.NewStore(root, testLogger())
	p := officeProfile("1")
	p.State = profile.StateConnected
	require.NoError(t, store.Save(p))

	fx := newManagerFixture(t, root, filepath.Join(dir, "state"), newFakeFactory())

	_, ok := fx.manager.Active()
	assert.False(t, ok)
	assert.Equal(t, "Select to connect", fx.manager.Rows()[0].Summary)

	require.NoError(t, fx.manager.Close())
	loaded, err := store.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, profile.StateIdle, loaded[0].State)
}

func TestManager_ObserverSubscribedBeforeOpenSeesSweep(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "profiles")

	store := profile.NewStore(root, testLogger())
	p := officeProfile("1")
	p.State = profile.StateConnected
	require.NoError(t, store.Save(p))

	f := newFakeFactory()
	m := NewManager(ManagerConfig{
		Store:         store,
		StateDir:      filepath.Join(dir, "state"),
		StatusWorkers: 1,
		Log:           testLogger(),
		NewFactory: func(emit func(Event)) ActorFactory {
			f.emit = emit
			return f
		},
	})
	obs := &recordingObserver{}
	m.Subscribe(obs)

	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitStatus(ctx))

	assert.Equal(t, []string{"Office:CONNECTED->IDLE"}, obs.Changes())
}

func TestManager_OpenSkipsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "profiles")

	store := profile.NewStore(root, testLogger())
	require.NoError(t, store.Save(officeProfile("1")))
	require.NoError(t, store.Save(officeProfile("2")))

	fx := newManagerFixture(t, root, "", newFakeFactory())

	profiles := fx.manager.Profiles()
	require.Len(t, profiles, 1)
	assert.Equal(t, "1", profiles[0].ID)
}

func TestManager_ImportOpenVPN(t *testing.T) {
	fx := newEmptyManager(t)

	src := filepath.Join(t.TempDir(), "work.ovpn")
	require.NoError(t, os.WriteFile(src, []byte("client\nremote vpn.example.com 1194\n"), 0644))

	p, err := fx.manager.ImportOpenVPN("Work", src, "alice", []string{"10.1.2.3/16"})
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{common.ProfileRecordFileName, importedConfigName},
		dirEntries(t, filepath.Join(fx.root, p.ID)))

	copied, err := os.ReadFile(filepath.Join(fx.root, p.ID, importedConfigName))
	require.NoError(t, err)
	assert.Equal(t, "client\nremote vpn.example.com 1194\n", string(copied))

	cfg, err := ParseOpenVPNConfig(p.Config)
	require.NoError(t, err)
	assert.Equal(t, importedConfigName, cfg.ConfigFile)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, []string{"10.1.0.0/16"}, cfg.SplitTunnelRoutes)

	_, err = fx.manager.ImportOpenVPN("Work", src, "", nil)
	assert.True(t, errors.Is(err, common.ErrDuplicateName))
	assert.Len(t, dirEntries(t, fx.root), 1)

	_, err = fx.manager.ImportOpenVPN("Other", filepath.Join(t.TempDir(), "missing.ovpn"), "", nil)
	assert.Error(t, err)
	assert.Len(t, fx.manager.Rows(), 1)
}
