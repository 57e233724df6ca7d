// Package clock implements the time-of-day provider. It needs no auth and
// ticks on a fixed one-minute schedule, emitting a single time signal per
// tick that classifies the current phase of day.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/provider"
)

const providerID = "clock"

// Provider is the time-of-day data source.
type Provider struct {
	now func() time.Time

	mu        sync.RWMutex
	connected bool
}

// New creates the clock provider.
func New() *Provider {
	return &Provider{now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (p *Provider) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:           providerID,
		Name:         "Time of Day",
		Icon:         "clock",
		AuthType:     core.AuthNone,
		Domains:      []core.Domain{core.DomainPersonal},
		Capabilities: []core.SignalType{core.SignalTime},
		Schedule: provider.SyncSchedule{
			Mode:          provider.ScheduleFixed,
			Interval:      time.Minute,
			SyncOnConnect: true,
			SyncOnWake:    true,
		},
	}
}

func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Sync emits one time signal for the current minute. The natural key is the
// date-hour-minute bucket, so re-syncing within the same minute supersedes
// rather than duplicates.
func (p *Provider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	if !p.IsConnected() {
		return nil, core.ErrNotConnected
	}

	now := p.now()
	return []core.Signal{{
		ID:        core.SignalID(providerID, core.SignalTime, now.Format("2006-01-02T15:04")),
		Source:    providerID,
		Type:      core.SignalTime,
		Timestamp: now,
		Domain:    core.DomainPersonal,
		Data: map[string]any{
			"hour":     now.Hour(),
			"weekday":  now.Weekday().String(),
			"phase":    Phase(now.Hour()),
			"timezone": now.Location().String(),
		},
	}}, nil
}

// Phase classifies an hour into a coarse phase of day.
func Phase(hour int) string {
	switch {
	case hour < 5:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	case hour < 22:
		return "evening"
	default:
		return "night"
	}
}
