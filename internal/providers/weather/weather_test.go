package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
)

// memSecrets is an in-memory Secrets for tests.
type memSecrets struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemSecrets() *memSecrets {
	return &memSecrets{m: make(map[string]string)}
}

func (s *memSecrets) GetSecret(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[name]
	if !ok {
		return "", core.ErrSecretNotFound
	}
	return v, nil
}

func (s *memSecrets) SetSecret(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = value
	return nil
}

func (s *memSecrets) DeleteSecret(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, name)
	return nil
}

func testServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const okBody = `{"current": {"temperature_2m": 18.5, "wind_speed_10m": 12.0, "weather_code": 2}}`

func TestConnectStoresValidatedKey(t *testing.T) {
	srv := testServer(t, http.StatusOK, okBody)
	secrets := newMemSecrets()
	p := New(Config{BaseURL: srv.URL, APIKey: "key-1"}, secrets)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	stored, err := secrets.GetSecret("weather_api_key")
	if err != nil || stored != "key-1" {
		t.Errorf("stored key = %q, err = %v", stored, err)
	}
	if !p.IsConnected() {
		t.Error("IsConnected() should be true after connect")
	}
}

func TestConnectRejectsBadKey(t *testing.T) {
	srv := testServer(t, http.StatusUnauthorized, "")
	secrets := newMemSecrets()
	p := New(Config{BaseURL: srv.URL, APIKey: "bad"}, secrets)

	if err := p.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail with a rejected key")
	}

	// No partial credential state.
	if _, err := secrets.GetSecret("weather_api_key"); !errors.Is(err, core.ErrSecretNotFound) {
		t.Error("rejected key must not be stored")
	}
}

func TestConnectWithoutKey(t *testing.T) {
	p := New(Config{BaseURL: "http://unused"}, newMemSecrets())

	if err := p.Connect(context.Background()); !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("Connect() error = %v, want ErrNotConfigured", err)
	}
}

func TestSyncEmitsBucketedSignal(t *testing.T) {
	srv := testServer(t, http.StatusOK, okBody)
	secrets := newMemSecrets()
	secrets.SetSecret("weather_api_key", "key-1")

	p := New(Config{BaseURL: srv.URL}, secrets)
	now := time.Date(2026, 3, 2, 14, 45, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	sigs, err := p.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signal count = %d, want 1", len(sigs))
	}

	sig := sigs[0]
	if sig.ID != "weather-weather-2026-03-02T14" {
		t.Errorf("id = %q", sig.ID)
	}
	if sig.Data["temperature_c"] != 18.5 {
		t.Errorf("temperature = %v", sig.Data["temperature_c"])
	}
	if sig.Data["condition"] != "partly_cloudy" {
		t.Errorf("condition = %v", sig.Data["condition"])
	}
	// Mild weather carries no capacity impact.
	if sig.Capacity != nil {
		t.Errorf("capacity = %+v, want nil", sig.Capacity)
	}
}

func TestSyncHarshConditionsCarryImpact(t *testing.T) {
	srv := testServer(t, http.StatusOK,
		`{"current": {"temperature_2m": 37.0, "wind_speed_10m": 5.0, "weather_code": 0}}`)
	secrets := newMemSecrets()
	secrets.SetSecret("weather_api_key", "key-1")
	p := New(Config{BaseURL: srv.URL}, secrets)

	sigs, err := p.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if sigs[0].Capacity == nil {
		t.Fatal("heat should carry a capacity impact")
	}
	if sigs[0].Capacity.Physical != 85 {
		t.Errorf("physical = %d, want 85", sigs[0].Capacity.Physical)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, core.ErrAuthExpired},
		{"forbidden", http.StatusForbidden, core.ErrAuthExpired},
		{"rate limited", http.StatusTooManyRequests, core.ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, tt.status, "")
			secrets := newMemSecrets()
			secrets.SetSecret("weather_api_key", "key-1")
			p := New(Config{BaseURL: srv.URL}, secrets)

			_, err := p.Sync(context.Background(), nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Sync() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSyncWithoutCredentials(t *testing.T) {
	p := New(Config{BaseURL: "http://unused"}, newMemSecrets())

	if _, err := p.Sync(context.Background(), nil); !errors.Is(err, core.ErrNotConnected) {
		t.Errorf("Sync() error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectClearsKey(t *testing.T) {
	secrets := newMemSecrets()
	secrets.SetSecret("weather_api_key", "key-1")
	p := New(Config{}, secrets)

	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, err := secrets.GetSecret("weather_api_key"); !errors.Is(err, core.ErrSecretNotFound) {
		t.Error("key should be deleted")
	}
	if p.IsConnected() {
		t.Error("IsConnected() should be false after disconnect")
	}
}
