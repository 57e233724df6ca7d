package healthkit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/wellness"
)

// memSource is an in-memory SampleSource.
type memSource struct {
	samples []wellness.Sample
	vitals  *Vitals
	err     error
}

func (m *memSource) SleepSamples(ctx context.Context, since time.Time) ([]wellness.Sample, error) {
	return m.samples, m.err
}

func (m *memSource) Vitals(ctx context.Context, since time.Time) (*Vitals, error) {
	return m.vitals, m.err
}

func TestConnectWithoutSource(t *testing.T) {
	p := New(nil)

	err := p.Connect(context.Background())
	if !errors.Is(err, core.ErrAuthUnavailable) {
		t.Errorf("Connect() error = %v, want ErrAuthUnavailable", err)
	}
	if p.IsConnected() {
		t.Error("failed connect must not mark connected")
	}
}

func TestSyncDerivesSleepAndRecovery(t *testing.T) {
	bed := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	hrv := 70.0
	rhr := 54.0
	src := &memSource{
		samples: []wellness.Sample{
			{Start: bed, End: bed.Add(2 * time.Hour), Stage: wellness.StageLight},
			{Start: bed.Add(2 * time.Hour), End: bed.Add(4 * time.Hour), Stage: wellness.StageDeep},
			{Start: bed.Add(4 * time.Hour), End: bed.Add(7 * time.Hour), Stage: wellness.StageREM},
			{Start: bed.Add(7 * time.Hour), End: bed.Add(8 * time.Hour), Stage: wellness.StageAwake},
		},
		vitals: &Vitals{
			Date:      time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC),
			HRV:       &hrv,
			RestingHR: &rhr,
		},
	}

	p := New(src)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	sigs, err := p.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("signal count = %d, want sleep+recovery", len(sigs))
	}

	var slp, rec *core.Signal
	for i := range sigs {
		switch sigs[i].Type {
		case core.SignalSleep:
			slp = &sigs[i]
		case core.SignalRecovery:
			rec = &sigs[i]
		}
	}

	if slp == nil {
		t.Fatal("missing sleep signal")
	}
	if slp.ID != "apple_health-sleep-2026-03-02" {
		t.Errorf("sleep id = %q", slp.ID)
	}
	// 7h asleep out of 8h in bed.
	if slp.Data["duration_min"] != 420 {
		t.Errorf("duration_min = %v, want 420", slp.Data["duration_min"])
	}
	if eff := slp.Data["efficiency"].(float64); eff < 87 || eff > 88 {
		t.Errorf("efficiency = %v, want 87.5", eff)
	}
	// 7/8 of the target discounted by the 87.5 efficiency.
	if slp.Data["performance"] != 76 {
		t.Errorf("performance = %v, want 76", slp.Data["performance"])
	}

	if rec == nil {
		t.Fatal("missing recovery signal")
	}
	// 70 + (70-50)/2 - (54-60)/2 = 70 + 10 + 3 = 83
	if rec.Data["score"] != 83 {
		t.Errorf("derived score = %v, want 83", rec.Data["score"])
	}
	if rec.Data["derived"] != true {
		t.Error("derived flag missing")
	}
	if rec.Capacity == nil {
		t.Fatal("recovery signal must carry a capacity estimate")
	}
	if rec.Capacity.Physical != 83 {
		t.Errorf("capacity physical = %d, want 83", rec.Capacity.Physical)
	}
}

func TestSyncNoData(t *testing.T) {
	p := New(&memSource{})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	sigs, err := p.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(sigs) != 0 {
		t.Errorf("signal count = %d, want 0", len(sigs))
	}
}

func TestDeriveRecoveryClamps(t *testing.T) {
	low := 10.0
	high := 120.0
	rec := deriveRecovery(&Vitals{HRV: &low, RestingHR: &high})
	if rec.Score != 20 {
		t.Errorf("score = %d, want 20", rec.Score)
	}

	rec = deriveRecovery(&Vitals{HRV: &high})
	if rec.Score != 100 {
		t.Errorf("score = %d, want clamped 100", rec.Score)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	data := `{
		"sleep": [
			{"start": "2026-03-01T23:00:00Z", "end": "2026-03-02T06:00:00Z", "stage": "light"}
		],
		"vitals": {"date": "2026-03-02T07:00:00Z", "hrv": 65, "resting_hr": 55}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	src := &FileSource{Path: path}
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	samples, err := src.SleepSamples(context.Background(), since)
	if err != nil {
		t.Fatalf("SleepSamples() error = %v", err)
	}
	if len(samples) != 1 || samples[0].Stage != wellness.StageLight {
		t.Errorf("samples = %+v", samples)
	}

	vitals, err := src.Vitals(context.Background(), since)
	if err != nil {
		t.Fatalf("Vitals() error = %v", err)
	}
	if vitals == nil || *vitals.HRV != 65 {
		t.Errorf("vitals = %+v", vitals)
	}

	// A cursor past the data filters everything out.
	future := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	samples, _ = src.SleepSamples(context.Background(), future)
	if len(samples) != 0 {
		t.Error("future cursor should filter samples")
	}
	vitals, _ = src.Vitals(context.Background(), future)
	if vitals != nil {
		t.Error("future cursor should filter vitals")
	}
}
