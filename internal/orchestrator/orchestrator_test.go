package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/provider"
	"github.com/meridian-hq/meridian/internal/registry"
)

// fakeProvider is a scriptable single-instance provider.
type fakeProvider struct {
	id       string
	schedule provider.SyncSchedule

	mu        sync.Mutex
	syncCalls int
	syncErrs  []error // consumed one per call, nil once exhausted
	signals   []core.Signal
	refreshes int
	block     chan struct{}
}

func (f *fakeProvider) Info() provider.Info {
	return provider.Info{ID: f.id, Name: f.id, AuthType: core.AuthAPIKey, Schedule: f.schedule}
}

func (f *fakeProvider) IsConnected() bool                    { return true }
func (f *fakeProvider) Connect(ctx context.Context) error    { return nil }
func (f *fakeProvider) Disconnect(ctx context.Context) error { return nil }

func (f *fakeProvider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	f.mu.Lock()
	call := f.syncCalls
	f.syncCalls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if call < len(f.syncErrs) && f.syncErrs[call] != nil {
		return nil, f.syncErrs[call]
	}
	return f.signals, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls
}

// refreshingProvider adds the token refresh hook.
type refreshingProvider struct {
	*fakeProvider
}

func (f *refreshingProvider) RefreshAuth(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	states  map[core.Key]*core.PluginState
	signals []core.Signal
}

func newMemStore() *memStore {
	return &memStore{states: make(map[core.Key]*core.PluginState)}
}

func (m *memStore) SetPluginState(st *core.PluginState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Key] = st.Clone()
	return nil
}

func (m *memStore) DeletePluginState(key core.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

func (m *memStore) GetAllPluginStates() ([]*core.PluginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.PluginState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Clone())
	}
	return out, nil
}

func (m *memStore) AddSignals(signals []core.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, signals...)
	return nil
}

func (m *memStore) state(key core.Key) *core.PluginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key]
}

func setup(t *testing.T, providers ...provider.Provider) (*Orchestrator, *registry.Registry, *memStore) {
	t.Helper()
	reg := registry.New()
	for _, p := range providers {
		reg.Register(p)
	}
	store := newMemStore()
	o := New(Config{Registry: reg, Store: store})
	t.Cleanup(o.Stop)
	return o, reg, store
}

func TestConnectUpdatesAndPersistsState(t *testing.T) {
	fp := &fakeProvider{id: "test"}
	o, reg, store := setup(t, fp)
	require.NoError(t, o.Start())

	key, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, core.Key{ProviderID: "test"}, key)

	st, ok := reg.State(key)
	require.True(t, ok)
	assert.True(t, st.Enabled)
	assert.True(t, st.Connected)

	persisted := store.state(key)
	require.NotNil(t, persisted)
	assert.True(t, persisted.Connected)
}

func TestConnectUnknownProvider(t *testing.T) {
	o, _, _ := setup(t)
	require.NoError(t, o.Start())

	_, err := o.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrProviderNotFound)
}

func TestSyncOnConnect(t *testing.T) {
	fp := &fakeProvider{
		id:       "test",
		schedule: provider.SyncSchedule{SyncOnConnect: true},
		signals:  []core.Signal{{ID: "s-1", Source: "test", Type: core.SignalEvent, Timestamp: time.Now()}},
	}
	o, reg, _ := setup(t, fp)
	require.NoError(t, o.Start())

	_, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(reg.Signals()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerSyncCoalesces(t *testing.T) {
	fp := &fakeProvider{id: "test", block: make(chan struct{})}
	o, _, _ := setup(t, fp)
	require.NoError(t, o.Start())
	key, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.TriggerSync(key)
		}()
	}

	// Let the triggers pile up behind the blocked first sync, then release.
	time.Sleep(50 * time.Millisecond)
	close(fp.block)
	wg.Wait()

	// One in flight plus at most one coalesced rerun.
	assert.LessOrEqual(t, fp.calls(), 2)
	assert.GreaterOrEqual(t, fp.calls(), 1)
}

func TestStopDuringConcurrentTriggers(t *testing.T) {
	fp := &fakeProvider{id: "test"}
	o, _, _ := setup(t, fp)
	require.NoError(t, o.Start())
	key, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)

	// Shutdown must be safe while triggers keep arriving from handlers
	// and timers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			o.TriggerSync(key)
		}
	}()
	o.Stop()
	<-done

	// A stopped orchestrator drops triggers instead of syncing.
	calls := fp.calls()
	require.NoError(t, o.TriggerSync(key))
	assert.Equal(t, calls, fp.calls())
}

func TestSyncFailureRecordsError(t *testing.T) {
	fp := &fakeProvider{id: "test", syncErrs: []error{errors.New("api down")}}
	o, reg, _ := setup(t, fp)
	require.NoError(t, o.Start())
	key, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)

	require.Error(t, o.TriggerSync(key))

	st, _ := reg.State(key)
	assert.Equal(t, "api down", st.LastError)
	// Sync failure never flips the connection flag.
	assert.True(t, st.Connected)
	assert.Nil(t, st.LastSync)

	events := reg.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, core.SyncFailed, events[0].Type)
}

func TestSyncSuccessClearsErrorAndStampsLastSync(t *testing.T) {
	fp := &fakeProvider{id: "test", syncErrs: []error{errors.New("api down")}}
	o, reg, store := setup(t, fp)
	require.NoError(t, o.Start())
	key, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)

	require.Error(t, o.TriggerSync(key))
	require.NoError(t, o.TriggerSync(key))

	st, _ := reg.State(key)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastSync)

	persisted := store.state(key)
	require.NotNil(t, persisted)
	assert.NotNil(t, persisted.LastSync)
}

func TestAuthExpiredRetriesOnce(t *testing.T) {
	t.Run("with refresher", func(t *testing.T) {
		fp := &refreshingProvider{fakeProvider: &fakeProvider{
			id:       "test",
			syncErrs: []error{core.ErrAuthExpired},
			signals:  []core.Signal{{ID: "s-1", Source: "test", Type: core.SignalEvent, Timestamp: time.Now()}},
		}}
		o, reg, _ := setup(t, fp)
		require.NoError(t, o.Start())
		key, err := o.Connect(context.Background(), "test")
		require.NoError(t, err)

		require.NoError(t, o.TriggerSync(key))

		assert.Equal(t, 2, fp.calls())
		assert.Equal(t, 1, fp.refreshes)
		assert.Len(t, reg.Signals(), 1)
	})

	t.Run("retry fails again", func(t *testing.T) {
		fp := &refreshingProvider{fakeProvider: &fakeProvider{
			id:       "test",
			syncErrs: []error{core.ErrAuthExpired, core.ErrAuthExpired},
		}}
		o, reg, _ := setup(t, fp)
		require.NoError(t, o.Start())
		key, err := o.Connect(context.Background(), "test")
		require.NoError(t, err)

		require.Error(t, o.TriggerSync(key))

		// Exactly one retry, not a loop.
		assert.Equal(t, 2, fp.calls())

		st, _ := reg.State(key)
		assert.True(t, st.Connected)
	})

	t.Run("no refresher surfaces original error", func(t *testing.T) {
		fp := &fakeProvider{id: "test", syncErrs: []error{core.ErrAuthExpired}}
		o, _, _ := setup(t, fp)
		require.NoError(t, o.Start())
		key, err := o.Connect(context.Background(), "test")
		require.NoError(t, err)

		err = o.TriggerSync(key)
		assert.ErrorIs(t, err, core.ErrAuthExpired)
		assert.Equal(t, 1, fp.calls())
	})
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	good1 := &fakeProvider{id: "good1"}
	bad := &fakeProvider{id: "bad", syncErrs: []error{errors.New("boom")}}
	good2 := &fakeProvider{id: "good2"}
	o, reg, _ := setup(t, good1, bad, good2)
	require.NoError(t, o.Start())
	for _, id := range []string{"good1", "bad", "good2"} {
		_, err := o.Connect(context.Background(), id)
		require.NoError(t, err)
	}

	failed := o.SyncAll()

	require.Len(t, failed, 1)
	assert.Contains(t, failed[core.Key{ProviderID: "bad"}].Error(), "boom")

	// The failure did not stop the others.
	assert.Equal(t, 1, good1.calls())
	assert.Equal(t, 1, good2.calls())

	st, _ := reg.State(core.Key{ProviderID: "bad"})
	assert.True(t, st.Connected)
}

func TestDisconnectSingleInstanceDisablesInPlace(t *testing.T) {
	fp := &fakeProvider{id: "test"}
	o, reg, store := setup(t, fp)
	require.NoError(t, o.Start())
	key, err := o.Connect(context.Background(), "test")
	require.NoError(t, err)

	require.NoError(t, o.Disconnect(context.Background(), key))

	st, ok := reg.State(key)
	require.True(t, ok, "single-instance record must survive disconnect")
	assert.False(t, st.Enabled)
	assert.False(t, st.Connected)
	assert.NotNil(t, store.state(key))
}

// multiProvider is a scriptable multi-instance provider.
type multiProvider struct {
	fakeProvider

	mu        sync.Mutex
	accounts  map[string]string // instance id -> account label
	revoked   []string
	revokeErr error
}

func newMultiProvider(id string) *multiProvider {
	return &multiProvider{
		fakeProvider: fakeProvider{id: id},
		accounts:     make(map[string]string),
	}
}

func (m *multiProvider) Info() provider.Info {
	info := m.fakeProvider.Info()
	info.MultiInstance = true
	return info
}

func (m *multiProvider) ConnectInstance(ctx context.Context, instanceID string) (*provider.AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	label := "account-" + instanceID[:4]
	m.accounts[instanceID] = label
	return &provider.AccountInfo{ID: label, Label: label}, nil
}

func (m *multiProvider) DisconnectInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revokeErr != nil {
		return m.revokeErr
	}
	delete(m.accounts, instanceID)
	m.revoked = append(m.revoked, instanceID)
	return nil
}

func (m *multiProvider) SyncInstance(ctx context.Context, instanceID string, since *time.Time) ([]core.Signal, error) {
	return m.fakeProvider.Sync(ctx, since)
}

func (m *multiProvider) Instances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		out = append(out, id)
	}
	return out
}

func TestMultiInstanceConnect(t *testing.T) {
	mp := newMultiProvider("calendar")
	o, reg, _ := setup(t, mp)
	require.NoError(t, o.Start())

	key1, err := o.Connect(context.Background(), "calendar")
	require.NoError(t, err)
	key2, err := o.Connect(context.Background(), "calendar")
	require.NoError(t, err)

	assert.NotEmpty(t, key1.InstanceID)
	assert.NotEqual(t, key1, key2)

	st, ok := reg.State(key1)
	require.True(t, ok)
	assert.Equal(t, "account-"+key1.InstanceID[:4], st.AccountLabel)

	assert.Len(t, reg.Instances("calendar"), 2)
}

func TestMultiInstanceDisconnectRemovesRecord(t *testing.T) {
	mp := newMultiProvider("calendar")
	o, reg, store := setup(t, mp)
	require.NoError(t, o.Start())

	key, err := o.Connect(context.Background(), "calendar")
	require.NoError(t, err)

	require.NoError(t, o.Disconnect(context.Background(), key))

	_, ok := reg.State(key)
	assert.False(t, ok, "multi-instance record must be removed")
	assert.Nil(t, store.state(key))
	assert.Contains(t, mp.revoked, key.InstanceID)
}

func TestDisconnectRevokeFailureKeepsState(t *testing.T) {
	mp := newMultiProvider("calendar")
	o, reg, _ := setup(t, mp)
	require.NoError(t, o.Start())

	key, err := o.Connect(context.Background(), "calendar")
	require.NoError(t, err)

	mp.mu.Lock()
	mp.revokeErr = errors.New("revoke endpoint down")
	mp.mu.Unlock()

	require.Error(t, o.Disconnect(context.Background(), key))

	// Revocation failed, so the record must still be there.
	st, ok := reg.State(key)
	require.True(t, ok)
	assert.True(t, st.Connected)
}

func TestStartRestoresPersistedState(t *testing.T) {
	fp := &fakeProvider{id: "test"}
	reg := registry.New()
	reg.Register(fp)
	store := newMemStore()

	lastSync := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	key := core.Key{ProviderID: "test"}
	require.NoError(t, store.SetPluginState(&core.PluginState{
		Key:       key,
		Enabled:   true,
		Connected: true,
		LastSync:  &lastSync,
	}))

	o := New(Config{Registry: reg, Store: store})
	t.Cleanup(o.Stop)
	require.NoError(t, o.Start())

	st, ok := reg.State(key)
	require.True(t, ok)
	assert.True(t, st.Connected)
	require.NotNil(t, st.LastSync)
	assert.True(t, st.LastSync.Equal(lastSync))
}
