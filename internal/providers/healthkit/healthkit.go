// Package healthkit implements the Apple Health provider. Health data is
// only reachable through the OS permission prompt on Apple platforms, so
// connect fails with a configuration error elsewhere. Raw interval samples
// are reconstructed into nightly sleep summaries by the wellness package;
// recovery is derived heuristically from HRV and resting heart rate since
// Apple Health reports no recovery score of its own.
package healthkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/provider"
	"github.com/meridian-hq/meridian/internal/wellness"
)

const providerID = "apple_health"

// SampleSource abstracts where raw health samples come from: the native
// bridge on Apple platforms, an export file in dev.
type SampleSource interface {
	SleepSamples(ctx context.Context, since time.Time) ([]wellness.Sample, error)
	Vitals(ctx context.Context, since time.Time) (*Vitals, error)
}

// Vitals are the raw daily inputs recovery is derived from.
type Vitals struct {
	Date      time.Time `json:"date"`
	HRV       *float64  `json:"hrv,omitempty"`        // ms, SDNN
	RestingHR *float64  `json:"resting_hr,omitempty"` // bpm
}

// Provider is the Apple Health data source.
type Provider struct {
	source SampleSource
	now    func() time.Time

	mu        sync.RWMutex
	connected bool
}

// New creates the Apple Health provider. A nil source uses the platform
// default (which only authorizes on darwin).
func New(source SampleSource) *Provider {
	return &Provider{source: source, now: time.Now}
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:       providerID,
		Name:     "Apple Health",
		Icon:     "heart",
		AuthType: core.AuthNative,
		Domains:  []core.Domain{core.DomainHealth},
		Capabilities: []core.SignalType{
			core.SignalRecovery,
			core.SignalSleep,
		},
		Schedule: provider.SyncSchedule{
			Mode:             provider.ScheduleSmart,
			ActiveHours:      provider.HourRange{Start: 6, End: 22},
			ActiveInterval:   30 * time.Minute,
			InactiveInterval: 2 * time.Hour,
			SyncOnConnect:    true,
			SyncOnWake:       true,
		},
	}
}

func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Connect requests native health permissions. Configuration errors (wrong
// platform, no sample source) surface directly and are not retried.
func (p *Provider) Connect(ctx context.Context) error {
	if p.source == nil {
		if runtime.GOOS != "darwin" {
			return fmt.Errorf("apple health requires macOS or an export file source: %w", core.ErrAuthUnavailable)
		}
		return fmt.Errorf("apple health: no native bridge built in: %w", core.ErrAuthUnavailable)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Sync reconstructs last night's sleep from raw samples and derives a
// recovery estimate from vitals.
func (p *Provider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	if !p.IsConnected() {
		return nil, core.ErrNotConnected
	}

	now := p.now()
	from := now.Add(-24 * time.Hour)
	if since != nil {
		from = *since
	}

	samples, err := p.source.SleepSamples(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("apple health: sleep samples: %w", err)
	}
	vitals, err := p.source.Vitals(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("apple health: vitals: %w", err)
	}

	var signals []core.Signal

	slp := wellness.ReconstructSleep(samples)
	if slp != nil {
		perf := sleepPerformance(slp)
		slp.Performance = &perf
		day := slp.WakeTime.Format("2006-01-02")
		signals = append(signals, core.Signal{
			ID:        core.SignalID(providerID, core.SignalSleep, day),
			Source:    providerID,
			Type:      core.SignalSleep,
			Timestamp: slp.WakeTime,
			Domain:    core.DomainHealth,
			Data: map[string]any{
				"performance":  perf,
				"duration_min": int(slp.Duration.Minutes()),
				"efficiency":   slp.Efficiency,
				"deep_min":     int(slp.Stages.Deep.Minutes()),
				"rem_min":      int(slp.Stages.REM.Minutes()),
			},
		})
	}

	if vitals != nil {
		rec := deriveRecovery(vitals)
		capacity := wellness.Capacity(rec, slp)
		signals = append(signals, core.Signal{
			ID:        core.SignalID(providerID, core.SignalRecovery, vitals.Date.Format("2006-01-02")),
			Source:    providerID,
			Type:      core.SignalRecovery,
			Timestamp: vitals.Date,
			Domain:    core.DomainHealth,
			Data: map[string]any{
				"score":      rec.Score,
				"hrv":        anyOrNil(vitals.HRV),
				"resting_hr": anyOrNil(vitals.RestingHR),
				"derived":    true,
			},
			Capacity: &capacity,
		})
	}

	return signals, nil
}

// deriveRecovery estimates a recovery score from HRV and resting heart
// rate. 50ms HRV and 60bpm RHR map to a neutral 70; deviations move the
// score up or down within [0,100].
func deriveRecovery(v *Vitals) *wellness.Recovery {
	score := 70.0
	if v.HRV != nil {
		score += (*v.HRV - 50) / 2
	}
	if v.RestingHR != nil {
		score -= (*v.RestingHR - 60) / 2
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &wellness.Recovery{
		Date:      v.Date,
		Score:     int(score),
		HRV:       v.HRV,
		RestingHR: v.RestingHR,
	}
}

// sleepPerformance scores a night against an 8h target, discounted by
// efficiency.
func sleepPerformance(slp *wellness.Sleep) int {
	target := 8 * time.Hour
	ratio := float64(slp.Duration) / float64(target)
	if ratio > 1 {
		ratio = 1
	}
	score := ratio * slp.Efficiency
	return int(score)
}

func anyOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// -----------------------------------------------------------------------------
// File-based sample source (dev / testing)
// -----------------------------------------------------------------------------

// FileSource reads exported health samples from a JSON file. Used in dev
// and tests where no native bridge exists.
type FileSource struct {
	Path string
}

type exportFile struct {
	Sleep  []wellness.Sample `json:"sleep"`
	Vitals *Vitals           `json:"vitals"`
}

func (f *FileSource) load() (*exportFile, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var ex exportFile
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", f.Path, err)
	}
	return &ex, nil
}

func (f *FileSource) SleepSamples(ctx context.Context, since time.Time) ([]wellness.Sample, error) {
	ex, err := f.load()
	if err != nil {
		return nil, err
	}

	var out []wellness.Sample
	for _, s := range ex.Sleep {
		if s.End.After(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FileSource) Vitals(ctx context.Context, since time.Time) (*Vitals, error) {
	ex, err := f.load()
	if err != nil {
		return nil, err
	}
	if ex.Vitals == nil || !ex.Vitals.Date.After(since) {
		return nil, nil
	}
	return ex.Vitals, nil
}
