// Package oura implements the Oura Ring provider. It authenticates with a
// personal access token, pulls daily readiness/sleep/activity summaries,
// and normalizes them through the wellness package into recovery, sleep,
// and activity signals carrying a fresh capacity estimate.
//
// Oura has no strain concept, so this provider never emits strain signals.
package oura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/provider"
	"github.com/meridian-hq/meridian/internal/wellness"
)

const (
	providerID = "oura"
	secretName = providerID + "_access_token"

	// defaultLookback bounds the first sync when there is no cursor.
	defaultLookback = 7 * 24 * time.Hour
)

// Config for the Oura provider.
type Config struct {
	BaseURL string

	// AccessToken is consulted on connect; afterwards the stored secret wins.
	AccessToken string
}

// Provider is the Oura Ring data source.
type Provider struct {
	cfg     Config
	http    *http.Client
	secrets provider.Secrets
	now     func() time.Time

	mu        sync.RWMutex
	connected bool
}

// New creates the Oura provider.
func New(cfg Config, secrets provider.Secrets) *Provider {
	return &Provider{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		secrets: secrets,
		now:     time.Now,
	}
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:       providerID,
		Name:     "Oura Ring",
		Icon:     "ring",
		AuthType: core.AuthAPIKey,
		Domains:  []core.Domain{core.DomainHealth, core.DomainSport},
		Capabilities: []core.SignalType{
			core.SignalRecovery,
			core.SignalSleep,
			core.SignalActivity,
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
	if p.connected {
		return true
	}
	_, err := p.secrets.GetSecret(secretName)
	return err == nil
}

// Connect validates the personal access token against the personal_info
// endpoint and stores it.
func (p *Provider) Connect(ctx context.Context) error {
	if p.cfg.AccessToken == "" {
		return fmt.Errorf("oura: missing access token: %w", core.ErrNotConfigured)
	}

	if err := p.validate(ctx, p.cfg.AccessToken); err != nil {
		return fmt.Errorf("oura: validate token: %w", err)
	}

	if err := p.secrets.SetSecret(secretName, p.cfg.AccessToken); err != nil {
		return fmt.Errorf("oura: store token: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Disconnect clears the stored token. Idempotent.
func (p *Provider) Disconnect(ctx context.Context) error {
	if err := p.secrets.DeleteSecret(secretName); err != nil {
		return fmt.Errorf("oura: clear token: %w", err)
	}

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Sync fetches daily summaries since the cursor (or the default lookback
// window) and emits one recovery, sleep, and activity signal per day with
// data. The day's date is the natural key.
func (p *Provider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	token, err := p.secrets.GetSecret(secretName)
	if err != nil {
		return nil, core.ErrNotConnected
	}

	now := p.now()
	from := now.Add(-defaultLookback)
	if since != nil {
		from = *since
	}

	readiness, err := p.fetchReadiness(ctx, token, from, now)
	if err != nil {
		return nil, err
	}
	sleeps, err := p.fetchSleep(ctx, token, from, now)
	if err != nil {
		return nil, err
	}
	activities, err := p.fetchActivity(ctx, token, from, now)
	if err != nil {
		return nil, err
	}

	return p.normalize(readiness, sleeps, activities), nil
}

// normalize converts the per-day API documents into signals. Recovery and
// sleep for the same day are paired so the capacity estimate sees both.
func (p *Provider) normalize(readiness []readinessDoc, sleeps []sleepDoc, activities []activityDoc) []core.Signal {
	// The readiness contributors are 0-100 indexes, not raw measurements,
	// so hrv_balance must never reach Recovery.HRV (which is in ms). It is
	// surfaced in the signal data under its own name instead.
	recoveries := make(map[string]*wellness.Recovery, len(readiness))
	hrvBalances := make(map[string]*int, len(readiness))
	for _, d := range readiness {
		recoveries[d.Day] = &wellness.Recovery{
			Date:  d.day(),
			Score: d.Score,
		}
		hrvBalances[d.Day] = d.Contributors.HRVBalance
	}

	nights := make(map[string]*wellness.Sleep, len(sleeps))
	for _, d := range sleeps {
		perf := d.Score
		nights[d.Day] = &wellness.Sleep{
			Date:        d.day(),
			Performance: &perf,
			Duration:    time.Duration(d.TotalSleep) * time.Second,
			Stages: wellness.StageBreakdown{
				Awake: time.Duration(d.AwakeTime) * time.Second,
				Light: time.Duration(d.LightSleep) * time.Second,
				Deep:  time.Duration(d.DeepSleep) * time.Second,
				REM:   time.Duration(d.REMSleep) * time.Second,
			},
			Efficiency: float64(d.Efficiency),
		}
	}

	var signals []core.Signal

	for day, rec := range recoveries {
		capacity := wellness.Capacity(rec, nights[day])
		signals = append(signals, core.Signal{
			ID:        core.SignalID(providerID, core.SignalRecovery, day),
			Source:    providerID,
			Type:      core.SignalRecovery,
			Timestamp: rec.Date,
			Domain:    core.DomainHealth,
			Data: map[string]any{
				"score":       rec.Score,
				"hrv_balance": intPtrVal(hrvBalances[day]),
			},
			Capacity: &capacity,
		})
	}

	for day, slp := range nights {
		signals = append(signals, core.Signal{
			ID:        core.SignalID(providerID, core.SignalSleep, day),
			Source:    providerID,
			Type:      core.SignalSleep,
			Timestamp: slp.Date,
			Domain:    core.DomainHealth,
			Data: map[string]any{
				"performance":  *slp.Performance,
				"duration_min": int(slp.Duration.Minutes()),
				"efficiency":   slp.Efficiency,
				"deep_min":     int(slp.Stages.Deep.Minutes()),
				"rem_min":      int(slp.Stages.REM.Minutes()),
				"light_min":    int(slp.Stages.Light.Minutes()),
				"awake_min":    int(slp.Stages.Awake.Minutes()),
			},
		})
	}

	for _, d := range activities {
		signals = append(signals, core.Signal{
			ID:        core.SignalID(providerID, core.SignalActivity, d.Day),
			Source:    providerID,
			Type:      core.SignalActivity,
			Timestamp: d.day(),
			Domain:    core.DomainSport,
			Data: map[string]any{
				"steps":           d.Steps,
				"active_calories": d.ActiveCalories,
				"score":           d.Score,
			},
		})
	}

	return signals
}

// -----------------------------------------------------------------------------
// API plumbing
// -----------------------------------------------------------------------------

type readinessDoc struct {
	Day          string `json:"day"`
	Score        int    `json:"score"`
	Contributors struct {
		HRVBalance *int `json:"hrv_balance"`
	} `json:"contributors"`
}

type sleepDoc struct {
	Day        string `json:"day"`
	Score      int    `json:"score"`
	TotalSleep int    `json:"total_sleep_duration"` // seconds
	AwakeTime  int    `json:"awake_time"`
	LightSleep int    `json:"light_sleep_duration"`
	DeepSleep  int    `json:"deep_sleep_duration"`
	REMSleep   int    `json:"rem_sleep_duration"`
	Efficiency int    `json:"efficiency"`
}

type activityDoc struct {
	Day            string `json:"day"`
	Score          int    `json:"score"`
	Steps          int    `json:"steps"`
	ActiveCalories int    `json:"active_calories"`
}

func (d readinessDoc) day() time.Time { return parseDay(d.Day) }
func (d sleepDoc) day() time.Time     { return parseDay(d.Day) }
func (d activityDoc) day() time.Time  { return parseDay(d.Day) }

func parseDay(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func (p *Provider) fetchReadiness(ctx context.Context, token string, from, to time.Time) ([]readinessDoc, error) {
	var docs []readinessDoc
	err := p.fetchCollection(ctx, token, "daily_readiness", from, to, &docs)
	return docs, err
}

func (p *Provider) fetchSleep(ctx context.Context, token string, from, to time.Time) ([]sleepDoc, error) {
	var docs []sleepDoc
	err := p.fetchCollection(ctx, token, "daily_sleep", from, to, &docs)
	return docs, err
}

func (p *Provider) fetchActivity(ctx context.Context, token string, from, to time.Time) ([]activityDoc, error) {
	var docs []activityDoc
	err := p.fetchCollection(ctx, token, "daily_activity", from, to, &docs)
	return docs, err
}

func (p *Provider) fetchCollection(ctx context.Context, token, collection string, from, to time.Time, out any) error {
	q := url.Values{}
	q.Set("start_date", from.Format("2006-01-02"))
	q.Set("end_date", to.Format("2006-01-02"))

	endpoint := fmt.Sprintf("%s/usercollection/%s?%s", p.cfg.BaseURL, collection, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("oura %s: %w", collection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("oura %s: %w", collection, core.ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("oura %s: %w", collection, core.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("oura %s: status %d", collection, resp.StatusCode)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("oura %s: decode: %w", collection, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("oura %s: decode data: %w", collection, err)
	}
	return nil
}

func (p *Provider) validate(ctx context.Context, token string) error {
	endpoint := p.cfg.BaseURL + "/usercollection/personal_info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return core.ErrAuthDenied
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func intPtrVal(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
