// Package orchestrator schedules recurring sync cycles per plugin
// instance, serializes overlapping triggers, applies the single
// retry-on-auth-expiry, and mirrors plugin state to durable storage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/logging"
	"github.com/meridian-hq/meridian/internal/provider"
	"github.com/meridian-hq/meridian/internal/registry"
)

// Store is the persistence gateway the orchestrator mirrors registry state
// through. Failures are treated as failed syncs, never as crashes.
type Store interface {
	SetPluginState(st *core.PluginState) error
	DeletePluginState(key core.Key) error
	GetAllPluginStates() ([]*core.PluginState, error)
	AddSignals(signals []core.Signal) error
}

// Orchestrator runs the per-instance sync state machines:
// idle -> syncing -> idle, with triggers from the recurring timer, connect,
// wake, and manual requests coalesced so a plugin instance never has two
// sync calls in flight.
type Orchestrator struct {
	reg   *registry.Registry
	store Store
	log   *logging.Logger

	// clock is swappable for tests; it also drives smart scheduling.
	clock func() time.Time

	mu     sync.Mutex
	guards map[core.Key]*syncGuard
	loops  map[core.Key]context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// syncGuard serializes sync triggers for one plugin instance. A trigger
// arriving mid-sync sets pending; the sync reruns once after finishing
// instead of overlapping.
type syncGuard struct {
	running bool
	pending bool
}

// Config for the orchestrator.
type Config struct {
	Registry *registry.Registry
	Store    Store
	Clock    func() time.Time // defaults to time.Now
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		reg:    cfg.Registry,
		store:  cfg.Store,
		log:    logging.WithField("component", "orchestrator"),
		clock:  clock,
		guards: make(map[core.Key]*syncGuard),
		loops:  make(map[core.Key]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start loads persisted plugin state into the registry and begins recurring
// sync loops for every enabled, connected instance.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	states, err := o.store.GetAllPluginStates()
	if err != nil {
		return fmt.Errorf("load plugin states: %w", err)
	}
	for _, st := range states {
		o.reg.SetState(st)
	}

	for _, st := range o.reg.States() {
		if st.Enabled && st.Connected {
			o.startLoop(st.Key)
		}
	}
	return nil
}

// Stop cancels all recurring loops and waits for in-flight syncs.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	o.mu.Lock()
	o.loops = make(map[core.Key]context.CancelFunc)
	o.started = false
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Connect / disconnect
// -----------------------------------------------------------------------------

// Connect performs the auth handshake for a provider and flips its state to
// connected only after the provider's own connect succeeds. For
// multi-instance providers a fresh instance id is generated and account
// identity is captured before the first sync.
func (o *Orchestrator) Connect(ctx context.Context, providerID string) (core.Key, error) {
	p, ok := o.reg.Provider(providerID)
	if !ok {
		return core.Key{}, core.ErrProviderNotFound
	}
	info := p.Info()

	key := core.Key{ProviderID: providerID}
	patch := core.StatePatch{
		Enabled:   core.Bool(true),
		Connected: core.Bool(true),
		LastError: core.Str(""),
	}

	if info.MultiInstance {
		mp, ok := p.(provider.InstanceProvider)
		if !ok {
			return core.Key{}, fmt.Errorf("provider %s: %w", providerID, core.ErrNotMultiInstance)
		}
		key.InstanceID = uuid.New().String()

		account, err := mp.ConnectInstance(ctx, key.InstanceID)
		if err != nil {
			return core.Key{}, fmt.Errorf("connect %s: %w", providerID, err)
		}
		if account != nil {
			patch.AccountID = core.Str(account.ID)
			patch.AccountLabel = core.Str(account.Label)
		}
	} else {
		if err := p.Connect(ctx); err != nil {
			return core.Key{}, fmt.Errorf("connect %s: %w", providerID, err)
		}
	}

	st := o.reg.UpdateState(key, patch)
	o.persist(st)

	o.startLoop(key)
	if info.Schedule.SyncOnConnect {
		go o.TriggerSync(key)
	}

	o.log.Info("connected %s", key)
	return key, nil
}

// Disconnect revokes provider credentials first, then updates local state.
// The ordering matters: a failed revoke must not leave a silently
// disconnected record still holding a server-side grant.
func (o *Orchestrator) Disconnect(ctx context.Context, key core.Key) error {
	p, ok := o.reg.Provider(key.ProviderID)
	if !ok {
		return core.ErrProviderNotFound
	}
	info := p.Info()

	if info.MultiInstance {
		mp, ok := p.(provider.InstanceProvider)
		if !ok {
			return fmt.Errorf("provider %s: %w", key.ProviderID, core.ErrNotMultiInstance)
		}
		if err := mp.DisconnectInstance(ctx, key.InstanceID); err != nil {
			return fmt.Errorf("disconnect %s: %w", key, err)
		}
	} else {
		if err := p.Disconnect(ctx); err != nil {
			return fmt.Errorf("disconnect %s: %w", key, err)
		}
	}

	o.stopLoop(key)

	if info.MultiInstance {
		// Multi-instance records are removed entirely.
		o.reg.RemoveInstance(key)
		if err := o.store.DeletePluginState(key); err != nil {
			o.log.Warn("delete state %s: %v", key, err)
		}
	} else {
		// Single-instance records are disabled in place,
		// never hard-deleted.
		st := o.reg.UpdateState(key, core.StatePatch{
			Enabled:   core.Bool(false),
			Connected: core.Bool(false),
			LastError: core.Str(""),
		})
		o.persist(st)
	}

	o.log.Info("disconnected %s", key)
	return nil
}

// -----------------------------------------------------------------------------
// Triggers
// -----------------------------------------------------------------------------

// TriggerSync runs one sync cycle for an instance, serialized per key: if a
// sync is already in flight the trigger is coalesced into a single rerun.
// Triggers landing on a stopped orchestrator are dropped; Stop swaps the
// run context, so the snapshot here must happen under the same lock.
func (o *Orchestrator) TriggerSync(key core.Key) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	ctx := o.ctx
	g, ok := o.guards[key]
	if !ok {
		g = &syncGuard{}
		o.guards[key] = g
	}
	if g.running {
		g.pending = true
		o.mu.Unlock()
		return nil
	}
	g.running = true
	o.mu.Unlock()

	err := o.executeSync(ctx, key)

	o.mu.Lock()
	g.running = false
	rerun := g.pending
	g.pending = false
	o.mu.Unlock()

	if rerun {
		return o.TriggerSync(key)
	}
	return err
}

// Wake reruns sync for every connected instance whose schedule opts into
// wake-from-sleep triggers.
func (o *Orchestrator) Wake() {
	for _, st := range o.reg.ConnectedStates() {
		p, ok := o.reg.Provider(st.Key.ProviderID)
		if !ok || !p.Info().Schedule.SyncOnWake {
			continue
		}
		key := st.Key
		go o.TriggerSync(key)
	}
}

// SyncAll triggers sync across all connected instances concurrently and
// independently. Failures are collected per key; none propagate as an
// aggregate failure.
func (o *Orchestrator) SyncAll() map[core.Key]error {
	states := o.reg.ConnectedStates()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[core.Key]error)
	)

	for _, st := range states {
		key := st.Key
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.TriggerSync(key); err != nil {
				mu.Lock()
				failed[key] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return failed
}

// -----------------------------------------------------------------------------
// Sync execution
// -----------------------------------------------------------------------------

// executeSync runs one full sync cycle: started event, provider sync with
// the single auth-expiry retry, signal merge, state + event bookkeeping.
func (o *Orchestrator) executeSync(ctx context.Context, key core.Key) error {
	p, ok := o.reg.Provider(key.ProviderID)
	if !ok {
		return core.ErrProviderNotFound
	}

	var since *time.Time
	if st, ok := o.reg.State(key); ok {
		since = st.LastSync
	}

	start := o.clock()
	o.reg.AddEvent(core.SyncEvent{
		ID:        uuid.New().String(),
		Type:      core.SyncStarted,
		Key:       key,
		Timestamp: start,
	})

	signals, err := o.callSync(ctx, p, key, since)
	if err != nil && errors.Is(err, core.ErrAuthExpired) {
		// Exactly one refresh-and-retry. A provider without a refresh
		// path, or a failed refresh, surfaces the original error; the
		// instance stays marked connected until an explicit disconnect.
		if rf, ok := p.(provider.TokenRefresher); ok {
			o.log.Info("auth expired for %s, refreshing", key)
			if refreshErr := rf.RefreshAuth(ctx, key.InstanceID); refreshErr == nil {
				signals, err = o.callSync(ctx, p, key, since)
			} else {
				err = fmt.Errorf("token refresh: %w", refreshErr)
			}
		}
	}

	duration := o.clock().Sub(start)

	if err != nil {
		st := o.reg.UpdateState(key, core.StatePatch{LastError: core.Str(err.Error())})
		o.persist(st)
		o.reg.AddEvent(core.SyncEvent{
			ID:        uuid.New().String(),
			Type:      core.SyncFailed,
			Key:       key,
			Timestamp: o.clock(),
			Duration:  duration,
			Error:     err.Error(),
		})
		o.log.Warn("sync %s failed: %v", key, err)
		return err
	}

	o.reg.AddSignals(signals)
	if storeErr := o.store.AddSignals(signals); storeErr != nil {
		o.log.Warn("persist signals %s: %v", key, storeErr)
	}

	now := o.clock()
	st := o.reg.UpdateState(key, core.StatePatch{
		LastSync:  &now,
		LastError: core.Str(""),
	})
	o.persist(st)

	o.reg.AddEvent(core.SyncEvent{
		ID:          uuid.New().String(),
		Type:        core.SyncCompleted,
		Key:         key,
		Timestamp:   now,
		SignalCount: len(signals),
		Duration:    duration,
	})
	o.log.Debug("sync %s completed: %d signals in %v", key, len(signals), duration)
	return nil
}

func (o *Orchestrator) callSync(ctx context.Context, p provider.Provider, key core.Key, since *time.Time) ([]core.Signal, error) {
	if key.InstanceID != "" {
		mp, ok := p.(provider.InstanceProvider)
		if !ok {
			return nil, core.ErrNotMultiInstance
		}
		return mp.SyncInstance(ctx, key.InstanceID, since)
	}
	return p.Sync(ctx, since)
}

func (o *Orchestrator) persist(st *core.PluginState) {
	if err := o.store.SetPluginState(st); err != nil {
		o.log.Warn("persist state %s: %v", st.Key, err)
	}
}

// -----------------------------------------------------------------------------
// Recurring loops
// -----------------------------------------------------------------------------

// startLoop begins the recurring sync loop for one instance. Timers are
// cleared on disable/disconnect/shutdown so no orphaned background work
// survives.
func (o *Orchestrator) startLoop(key core.Key) {
	p, ok := o.reg.Provider(key.ProviderID)
	if !ok {
		return
	}
	schedule := p.Info().Schedule

	o.mu.Lock()
	if _, running := o.loops[key]; running {
		o.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(o.ctx)
	o.loops[key] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			interval := schedule.NextInterval(o.clock().Hour())
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(interval):
				o.TriggerSync(key)
			}
		}
	}()
}

func (o *Orchestrator) stopLoop(key core.Key) {
	o.mu.Lock()
	if cancel, ok := o.loops[key]; ok {
		cancel()
		delete(o.loops, key)
	}
	o.mu.Unlock()
}
