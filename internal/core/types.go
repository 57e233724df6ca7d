// Package core defines the fundamental types for Meridian.
// These types are shared by every other package.
package core

import (
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// DOMAIN - Coarse life-area classification
// -----------------------------------------------------------------------------

// Domain is a life area a signal or provider relates to.
type Domain string

const (
	DomainWork     Domain = "work"
	DomainPersonal Domain = "personal"
	DomainFamily   Domain = "family"
	DomainHealth   Domain = "health"
	DomainSport    Domain = "sport"
)

// -----------------------------------------------------------------------------
// SIGNAL - The normalized event envelope all providers emit into
// -----------------------------------------------------------------------------

// SignalType represents the kind of signal
type SignalType string

const (
	SignalEvent    SignalType = "event"
	SignalMessage  SignalType = "message_received"
	SignalWeather  SignalType = "weather"
	SignalTime     SignalType = "time"
	SignalRecovery SignalType = "recovery"
	SignalSleep    SignalType = "sleep"
	SignalStrain   SignalType = "strain"
	SignalActivity SignalType = "activity"
)

// Signal is an immutable normalized event emitted by a provider.
// A second signal with the same ID supersedes the first (idempotent upsert);
// signals are never mutated in place.
type Signal struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"` // provider id
	Type      SignalType      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Domain    Domain          `json:"domain,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Capacity  *CapacityImpact `json:"capacity_impact,omitempty"`
}

// SignalID builds the deterministic signal id used for deduplication.
// The natural key is whatever uniquely identifies the event at the source
// (an event id, a date, a date-hour bucket).
func SignalID(source string, typ SignalType, naturalKey string) string {
	return fmt.Sprintf("%s-%s-%s", source, typ, naturalKey)
}

// -----------------------------------------------------------------------------
// CAPACITY - Derived bandwidth estimate attached to wellness signals
// -----------------------------------------------------------------------------

// ActivityKind classifies what a capacity score applies to.
type ActivityKind string

const (
	ActivityPhysical  ActivityKind = "physical_exertion"
	ActivityCognitive ActivityKind = "cognitive_work"
	ActivityEmotional ActivityKind = "emotional_labor"
	ActivityCreative  ActivityKind = "creative_work"
)

// CapacityImpact is the derived physical/cognitive/emotional bandwidth
// estimate. It is recomputed fresh from each recovery/sleep signal pair and
// never persisted on its own.
type CapacityImpact struct {
	Physical   int                  `json:"physical"`  // 0-100
	Cognitive  int                  `json:"cognitive"` // 0-100
	Emotional  int                  `json:"emotional"` // 0-100
	Affects    map[ActivityKind]int `json:"affects,omitempty"`
	Confidence float64              `json:"confidence"` // 0-1, data completeness
	Note       string               `json:"note,omitempty"`
}

// -----------------------------------------------------------------------------
// PLUGIN STATE - Per-provider (or per-instance) mutable record
// -----------------------------------------------------------------------------

// Key identifies one plugin state record. Single-instance providers leave
// InstanceID empty; multi-instance providers get one Key per connected
// account.
type Key struct {
	ProviderID string `json:"provider_id"`
	InstanceID string `json:"instance_id,omitempty"`
}

// String renders the storage form: "id" or "id:instance".
func (k Key) String() string {
	if k.InstanceID == "" {
		return k.ProviderID
	}
	return k.ProviderID + ":" + k.InstanceID
}

// ParseKey parses the storage form back into a Key.
func ParseKey(s string) Key {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return Key{ProviderID: s[:i], InstanceID: s[i+1:]}
	}
	return Key{ProviderID: s}
}

// PluginState is the mutable per-provider-instance record. Created with
// defaults on registration, mutated by connect/disconnect/sync outcomes.
// Single-instance records are disabled in place rather than deleted;
// multi-instance records are removed entirely on disconnect.
type PluginState struct {
	Key          Key            `json:"key"`
	Enabled      bool           `json:"enabled"`
	Connected    bool           `json:"connected"`
	LastSync     *time.Time     `json:"last_sync,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
	AccountID    string         `json:"account_id,omitempty"`
	AccountLabel string         `json:"account_label,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a copy that does not share the settings map, so callers
// can hand states out of a registry without aliasing.
func (s *PluginState) Clone() *PluginState {
	cp := *s
	if s.Settings != nil {
		cp.Settings = make(map[string]any, len(s.Settings))
		for k, v := range s.Settings {
			cp.Settings[k] = v
		}
	}
	if s.LastSync != nil {
		t := *s.LastSync
		cp.LastSync = &t
	}
	return &cp
}

// StatePatch is a partial update merged into an existing PluginState.
// Nil fields are left untouched; LastError uses a pointer so it can be
// cleared with an empty string.
type StatePatch struct {
	Enabled      *bool
	Connected    *bool
	LastSync     *time.Time
	LastError    *string
	Settings     map[string]any // merged key-by-key
	AccountID    *string
	AccountLabel *string
}

// Apply merges the patch into the state and bumps UpdatedAt.
func (p StatePatch) Apply(s *PluginState, now time.Time) {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Connected != nil {
		s.Connected = *p.Connected
	}
	if p.LastSync != nil {
		t := *p.LastSync
		s.LastSync = &t
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.Settings != nil {
		if s.Settings == nil {
			s.Settings = make(map[string]any, len(p.Settings))
		}
		for k, v := range p.Settings {
			s.Settings[k] = v
		}
	}
	if p.AccountID != nil {
		s.AccountID = *p.AccountID
	}
	if p.AccountLabel != nil {
		s.AccountLabel = *p.AccountLabel
	}
	s.UpdatedAt = now
}

// Bool returns a pointer for use in StatePatch literals.
func Bool(v bool) *bool { return &v }

// Str returns a pointer for use in StatePatch literals.
func Str(v string) *string { return &v }

// -----------------------------------------------------------------------------
// AUTH
// -----------------------------------------------------------------------------

// AuthType is how a provider authenticates against its source.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthOAuth2 AuthType = "oauth2"
	AuthNative AuthType = "native" // OS permission prompt (HealthKit etc.)
)

// -----------------------------------------------------------------------------
// SYNC EVENTS - Ephemeral audit trail
// -----------------------------------------------------------------------------

// SyncEventType represents the outcome class of a sync cycle.
type SyncEventType string

const (
	SyncStarted   SyncEventType = "sync_started"
	SyncCompleted SyncEventType = "sync_completed"
	SyncFailed    SyncEventType = "sync_failed"
)

// SyncEvent is an ephemeral audit record of one sync cycle. The registry
// keeps the most recent 100; they are not durably persisted.
type SyncEvent struct {
	ID          string        `json:"id"`
	Type        SyncEventType `json:"type"`
	Key         Key           `json:"key"`
	Timestamp   time.Time     `json:"timestamp"`
	SignalCount int           `json:"signal_count,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}
