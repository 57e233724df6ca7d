// Package registry is the in-memory catalog of data-source providers,
// their connection state, and the merged signal timeline. It does no I/O
// of its own; the orchestrator mirrors state to durable storage.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/logging"
	"github.com/meridian-hq/meridian/internal/provider"
)

// maxEvents caps the sync-event ring buffer.
const maxEvents = 100

// ChangeKind classifies a registry change notification.
type ChangeKind string

const (
	StateChanged   ChangeKind = "state_changed"
	SignalsChanged ChangeKind = "signals_changed"
	EventAdded     ChangeKind = "event_added"
)

// Change is a notification pushed to subscribers whenever registry contents
// move. Consumers (API websocket feed, context builder) react to these
// instead of polling.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Key  core.Key   `json:"key,omitempty"`
}

// Registry owns the provider catalog, per-instance plugin state, the
// deduplicated signal timeline, and the capped sync-event history.
type Registry struct {
	mu sync.RWMutex

	providers map[string]provider.Provider
	order     []string // registration order, for stable listings

	states map[core.Key]*core.PluginState

	signals []core.Signal // sorted descending by timestamp
	byID    map[string]int

	events []core.SyncEvent // newest first

	subs    map[int]chan Change
	nextSub int

	clock func() time.Time
	log   *logging.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string]provider.Provider),
		states:    make(map[core.Key]*core.PluginState),
		byID:      make(map[string]int),
		subs:      make(map[int]chan Change),
		clock:     time.Now,
		log:       logging.WithField("component", "registry"),
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// -----------------------------------------------------------------------------
// Providers
// -----------------------------------------------------------------------------

// Register adds a provider to the catalog and initializes a default state
// record for single-instance providers. Registering the same id twice is
// non-fatal; the first registration wins.
func (r *Registry) Register(p provider.Provider) {
	info := p.Info()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[info.ID]; exists {
		r.log.Warn("provider %q already registered, ignoring", info.ID)
		return
	}

	r.providers[info.ID] = p
	r.order = append(r.order, info.ID)

	// Multi-instance providers get state records on connect, one per
	// account. Single-instance providers always have exactly one.
	if !info.MultiInstance {
		key := core.Key{ProviderID: info.ID}
		if _, ok := r.states[key]; !ok {
			now := r.clock()
			r.states[key] = &core.PluginState{
				Key:       key,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
	}
}

// Provider returns a registered provider by id.
func (r *Registry) Provider(id string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Providers returns all registered providers in registration order.
func (r *Registry) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// -----------------------------------------------------------------------------
// Plugin state
// -----------------------------------------------------------------------------

// UpdateState merges a partial update into the state for key, creating the
// record if absent (first-time multi-instance connect).
func (r *Registry) UpdateState(key core.Key, patch core.StatePatch) *core.PluginState {
	r.mu.Lock()

	st, ok := r.states[key]
	if !ok {
		now := r.clock()
		st = &core.PluginState{Key: key, CreatedAt: now, UpdatedAt: now}
		r.states[key] = st
	}
	patch.Apply(st, r.clock())
	out := st.Clone()

	r.mu.Unlock()

	r.publish(Change{Kind: StateChanged, Key: key})
	return out
}

// SetState replaces the record for key wholesale. Used when loading
// persisted state at startup.
func (r *Registry) SetState(st *core.PluginState) {
	r.mu.Lock()
	r.states[st.Key] = st.Clone()
	r.mu.Unlock()

	r.publish(Change{Kind: StateChanged, Key: st.Key})
}

// State returns the state record for key.
func (r *Registry) State(key core.Key) (*core.PluginState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.states[key]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// States returns every state record.
func (r *Registry) States() []*core.PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*core.PluginState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Instances returns all state records belonging to a provider: the single
// record for single-instance providers, one per connected account for
// multi-instance ones.
func (r *Registry) Instances(providerID string) []*core.PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*core.PluginState
	for key, st := range r.states {
		if key.ProviderID == providerID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.InstanceID < out[j].Key.InstanceID
	})
	return out
}

// RemoveInstance deletes one multi-instance state record entirely.
func (r *Registry) RemoveInstance(key core.Key) bool {
	r.mu.Lock()
	_, ok := r.states[key]
	if ok {
		delete(r.states, key)
	}
	r.mu.Unlock()

	if ok {
		r.publish(Change{Kind: StateChanged, Key: key})
	}
	return ok
}

// EnabledStates returns states the user wants active.
func (r *Registry) EnabledStates() []*core.PluginState {
	return r.filterStates(func(st *core.PluginState) bool { return st.Enabled })
}

// ConnectedStates returns states holding valid credentials.
func (r *Registry) ConnectedStates() []*core.PluginState {
	return r.filterStates(func(st *core.PluginState) bool { return st.Connected })
}

func (r *Registry) filterStates(keep func(*core.PluginState) bool) []*core.PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*core.PluginState
	for _, st := range r.states {
		if keep(st) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// -----------------------------------------------------------------------------
// Signals
// -----------------------------------------------------------------------------

// AddSignals merges a batch into the timeline. A signal whose id already
// exists replaces the previous copy; new signals are appended. The whole
// timeline is then re-sorted descending by timestamp.
//
// The full re-sort is O(n log n) per batch. Signal volumes are bounded
// (hundreds, not millions), so this is fine; revisit with a sorted-insert
// structure if that ever changes.
func (r *Registry) AddSignals(signals []core.Signal) int {
	if len(signals) == 0 {
		return 0
	}

	r.mu.Lock()
	added := 0
	for _, s := range signals {
		if i, ok := r.byID[s.ID]; ok {
			r.signals[i] = s
			continue
		}
		r.byID[s.ID] = len(r.signals)
		r.signals = append(r.signals, s)
		added++
	}

	sort.SliceStable(r.signals, func(i, j int) bool {
		return r.signals[i].Timestamp.After(r.signals[j].Timestamp)
	})
	for i, s := range r.signals {
		r.byID[s.ID] = i
	}
	r.mu.Unlock()

	r.publish(Change{Kind: SignalsChanged})
	return added
}

// Signals returns the timeline, newest first.
func (r *Registry) Signals() []core.Signal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// LatestSignal returns the most recent signal of the given type from any of
// the given sources (any source when none are given).
func (r *Registry) LatestSignal(typ core.SignalType, sources ...string) (core.Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.signals {
		if s.Type != typ {
			continue
		}
		if len(sources) == 0 || contains(sources, s.Source) {
			return s, true
		}
	}
	return core.Signal{}, false
}

// TodayEvents returns today's calendar-sourced event signals sorted by
// start time ascending.
func (r *Registry) TodayEvents() []core.Signal {
	now := r.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return r.eventsBetween(start, start.Add(24*time.Hour))
}

// UpcomingEvents returns event signals within the next N days, sorted by
// start time ascending.
func (r *Registry) UpcomingEvents(days int) []core.Signal {
	now := r.now()
	return r.eventsBetween(now, now.AddDate(0, 0, days))
}

func (r *Registry) eventsBetween(from, to time.Time) []core.Signal {
	r.mu.RLock()
	var out []core.Signal
	for _, s := range r.signals {
		if s.Type != core.SignalEvent {
			continue
		}
		if s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// UnreadImportantMessages returns message signals flagged both unread and
// important by their source.
func (r *Registry) UnreadImportantMessages() []core.Signal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Signal
	for _, s := range r.signals {
		if s.Type != core.SignalMessage {
			continue
		}
		unread, _ := s.Data["unread"].(bool)
		important, _ := s.Data["important"].(bool)
		if unread && important {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clock()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Sync events
// -----------------------------------------------------------------------------

// AddEvent prepends a sync event to the capped ring buffer.
func (r *Registry) AddEvent(ev core.SyncEvent) {
	r.mu.Lock()
	r.events = append([]core.SyncEvent{ev}, r.events...)
	if len(r.events) > maxEvents {
		r.events = r.events[:maxEvents]
	}
	r.mu.Unlock()

	r.publish(Change{Kind: EventAdded, Key: ev.Key})
}

// Events returns the sync event history, newest first.
func (r *Registry) Events() []core.SyncEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.SyncEvent, len(r.events))
	copy(out, r.events)
	return out
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Subscribe returns a channel receiving change notifications and an
// unsubscribe func. Slow subscribers drop notifications rather than block
// the registry.
func (r *Registry) Subscribe() (<-chan Change, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Change, 16)
	r.subs[id] = ch
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
		r.mu.Unlock()
	}
	return ch, unsubscribe
}

func (r *Registry) publish(c Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
