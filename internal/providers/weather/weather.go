// Package weather implements the weather provider against an
// Open-Meteo-style forecast API. The API key is validated on connect and
// stored in the credential store; syncs run on a smart schedule so the
// rate-limited API is not hammered overnight.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/provider"
)

const (
	providerID = "weather"
	secretName = providerID + "_api_key"
)

// Config for the weather provider.
type Config struct {
	BaseURL   string
	Latitude  float64
	Longitude float64

	// APIKey is consulted on connect; afterwards the stored secret wins.
	APIKey string
}

// Provider fetches current conditions and normalizes them into weather
// signals with a small capacity impact for harsh conditions.
type Provider struct {
	cfg     Config
	http    *http.Client
	secrets provider.Secrets
	now     func() time.Time

	mu        sync.RWMutex
	connected bool
}

// New creates the weather provider.
func New(cfg Config, secrets provider.Secrets) *Provider {
	return &Provider{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		secrets: secrets,
		now:     time.Now,
	}
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:           providerID,
		Name:         "Weather",
		Icon:         "cloud-sun",
		AuthType:     core.AuthAPIKey,
		Domains:      []core.Domain{core.DomainPersonal, core.DomainHealth},
		Capabilities: []core.SignalType{core.SignalWeather},
		Schedule: provider.SyncSchedule{
			Mode:             provider.ScheduleSmart,
			ActiveHours:      provider.HourRange{Start: 6, End: 22},
			ActiveInterval:   15 * time.Minute,
			InactiveInterval: time.Hour,
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
	// Cheap credential presence check, not a validity check.
	_, err := p.secrets.GetSecret(secretName)
	return err == nil
}

// Connect validates the configured API key against the forecast endpoint
// and stores it. No partial credential state is left behind on failure.
func (p *Provider) Connect(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("weather: missing API key: %w", core.ErrNotConfigured)
	}

	if _, err := p.fetch(ctx, p.cfg.APIKey); err != nil {
		return fmt.Errorf("weather: validate API key: %w", err)
	}

	if err := p.secrets.SetSecret(secretName, p.cfg.APIKey); err != nil {
		return fmt.Errorf("weather: store API key: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Disconnect clears the stored API key. Idempotent.
func (p *Provider) Disconnect(ctx context.Context) error {
	if err := p.secrets.DeleteSecret(secretName); err != nil {
		return fmt.Errorf("weather: clear API key: %w", err)
	}

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Sync fetches current conditions and emits one weather signal keyed by
// the date-hour bucket.
func (p *Provider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	key, err := p.secrets.GetSecret(secretName)
	if err != nil {
		return nil, core.ErrNotConnected
	}

	obs, err := p.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	now := p.now()
	sig := core.Signal{
		ID:        core.SignalID(providerID, core.SignalWeather, now.Format("2006-01-02T15")),
		Source:    providerID,
		Type:      core.SignalWeather,
		Timestamp: now,
		Domain:    core.DomainPersonal,
		Data: map[string]any{
			"temperature_c": obs.Current.Temperature,
			"wind_kph":      obs.Current.WindSpeed,
			"condition":     conditionName(obs.Current.WeatherCode),
			"weather_code":  obs.Current.WeatherCode,
		},
	}
	if impact := capacityImpact(obs.Current); impact != nil {
		sig.Capacity = impact
	}

	return []core.Signal{sig}, nil
}

// observation mirrors the subset of the forecast response we consume.
type observation struct {
	Current conditions `json:"current"`
}

type conditions struct {
	Temperature float64 `json:"temperature_2m"`
	WindSpeed   float64 `json:"wind_speed_10m"`
	WeatherCode int     `json:"weather_code"`
}

func (p *Provider) fetch(ctx context.Context, apiKey string) (*observation, error) {
	url := fmt.Sprintf(
		"%s/forecast?latitude=%f&longitude=%f&current=temperature_2m,wind_speed_10m,weather_code",
		p.cfg.BaseURL, p.cfg.Latitude, p.cfg.Longitude)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, core.ErrAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("weather fetch: status %d", resp.StatusCode)
	}

	var obs observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("weather decode: %w", err)
	}
	return &obs, nil
}

// capacityImpact shaves a few points of physical capacity in harsh
// conditions. Mild weather contributes nothing.
func capacityImpact(cur conditions) *core.CapacityImpact {
	physical := 100
	note := ""

	switch {
	case cur.Temperature >= 35:
		physical = 85
		note = "Very hot outside - outdoor exertion will cost more."
	case cur.Temperature <= -10:
		physical = 88
		note = "Very cold outside - outdoor exertion will cost more."
	case cur.WeatherCode >= 95: // thunderstorms
		physical = 90
		note = "Storms expected - plan indoor alternatives."
	default:
		return nil
	}

	return &core.CapacityImpact{
		Physical:   physical,
		Cognitive:  100,
		Emotional:  100,
		Confidence: 0.6,
		Note:       note,
	}
}

// conditionName maps WMO weather codes to coarse labels.
func conditionName(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code <= 3:
		return "partly_cloudy"
	case code <= 48:
		return "fog"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "showers"
	case code <= 86:
		return "snow_showers"
	default:
		return "thunderstorm"
	}
}
