package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meridian-hq/meridian/internal/briefing"
	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/orchestrator"
	"github.com/meridian-hq/meridian/internal/provider"
	"github.com/meridian-hq/meridian/internal/registry"
	"github.com/meridian-hq/meridian/internal/storage"
)

// fakeProvider is a minimal single-instance provider for API tests.
type fakeProvider struct {
	id      string
	signals []core.Signal
}

func (f *fakeProvider) Info() provider.Info {
	return provider.Info{ID: f.id, Name: f.id, Icon: "plug", AuthType: core.AuthAPIKey}
}

func (f *fakeProvider) IsConnected() bool                    { return true }
func (f *fakeProvider) Connect(ctx context.Context) error    { return nil }
func (f *fakeProvider) Disconnect(ctx context.Context) error { return nil }
func (f *fakeProvider) Sync(ctx context.Context, since *time.Time) ([]core.Signal, error) {
	return f.signals, nil
}

// testServer wires a full in-memory stack behind the router.
func testServer(t *testing.T, providers ...provider.Provider) (*Server, *registry.Registry) {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	reg := registry.New()
	for _, p := range providers {
		reg.Register(p)
	}

	orch := orchestrator.New(orchestrator.Config{
		Registry: reg,
		Store:    storage.NewGateway(db),
	})
	if err := orch.Start(); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(orch.Stop)

	srv := New(Config{
		Host:     "localhost",
		Registry: reg,
		Orch:     orch,
		Briefing: briefing.NewGenerator(reg),
	})
	return srv, reg
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	return rr
}

func TestAPI_ListPlugins(t *testing.T) {
	srv, _ := testServer(t, &fakeProvider{id: "weather"}, &fakeProvider{id: "oura"})

	rr := doRequest(t, srv, "GET", "/api/plugins")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp []pluginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("plugin count = %d, want 2", len(resp))
	}
	if resp[0].ID != "weather" || resp[1].ID != "oura" {
		t.Errorf("order = %s, %s, want registration order", resp[0].ID, resp[1].ID)
	}
	if len(resp[0].Instances) != 1 {
		t.Errorf("single-instance provider should list its default record")
	}
}

func TestAPI_ConnectAndSync(t *testing.T) {
	fp := &fakeProvider{
		id: "weather",
		signals: []core.Signal{{
			ID: "weather-weather-2026-03-02T10", Source: "weather",
			Type: core.SignalWeather, Timestamp: time.Now(),
		}},
	}
	srv, reg := testServer(t, fp)

	rr := doRequest(t, srv, "POST", "/api/plugins/weather/connect")
	if rr.Code != http.StatusOK {
		t.Fatalf("connect status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, srv, "POST", "/api/plugins/weather/sync")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rr.Code, rr.Body.String())
	}
	if len(reg.Signals()) != 1 {
		t.Errorf("signal count = %d, want 1", len(reg.Signals()))
	}

	rr = doRequest(t, srv, "POST", "/api/plugins/weather/disconnect")
	if rr.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d: %s", rr.Code, rr.Body.String())
	}
	st, _ := reg.State(core.Key{ProviderID: "weather"})
	if st.Connected {
		t.Error("state should be disconnected")
	}
}

func TestAPI_ConnectUnknownProvider(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(t, srv, "POST", "/api/plugins/nope/connect")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestAPI_Signals(t *testing.T) {
	srv, reg := testServer(t)
	reg.AddSignals([]core.Signal{
		{ID: "a", Source: "x", Type: core.SignalEvent, Timestamp: time.Now()},
		{ID: "b", Source: "x", Type: core.SignalWeather, Timestamp: time.Now()},
	})

	rr := doRequest(t, srv, "GET", "/api/signals")
	var all []core.Signal
	json.Unmarshal(rr.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Errorf("all signals = %d, want 2", len(all))
	}

	rr = doRequest(t, srv, "GET", "/api/signals?type=weather")
	var filtered []core.Signal
	json.Unmarshal(rr.Body.Bytes(), &filtered)
	if len(filtered) != 1 || filtered[0].ID != "b" {
		t.Errorf("filtered = %+v, want only b", filtered)
	}
}

func TestAPI_SignalsEmptyIsArray(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(t, srv, "GET", "/api/signals")
	if body := rr.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}

func TestAPI_Capacity(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(t, srv, "GET", "/api/capacity")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var c core.CapacityImpact
	if err := json.Unmarshal(rr.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Physical != 70 {
		t.Errorf("physical = %d, want neutral 70", c.Physical)
	}
}

func TestAPI_Agenda(t *testing.T) {
	srv, _ := testServer(t)

	t.Run("markdown default", func(t *testing.T) {
		rr := doRequest(t, srv, "GET", "/api/agenda")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["agenda"] == "" {
			t.Error("empty agenda")
		}
	})

	t.Run("html content type", func(t *testing.T) {
		rr := doRequest(t, srv, "GET", "/api/agenda?format=html")
		if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
			t.Errorf("content type = %q", ct)
		}
	})
}

func TestAPI_SyncAll(t *testing.T) {
	srv, _ := testServer(t, &fakeProvider{id: "weather"})

	rr := doRequest(t, srv, "POST", "/api/plugins/weather/connect")
	if rr.Code != http.StatusOK {
		t.Fatalf("connect status = %d", rr.Code)
	}

	rr = doRequest(t, srv, "POST", "/api/sync")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync-all status = %d", rr.Code)
	}

	var resp map[string]map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp["failed"]) != 0 {
		t.Errorf("failed = %v, want none", resp["failed"])
	}
}
