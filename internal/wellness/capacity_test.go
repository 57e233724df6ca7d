package wellness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridian-hq/meridian/internal/core"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestCapacityNoData(t *testing.T) {
	impact := Capacity(nil, nil)

	assert.Equal(t, 70, impact.Physical)
	assert.Equal(t, 70, impact.Cognitive)
	assert.Equal(t, 70, impact.Emotional)
	assert.Equal(t, 0.3, impact.Confidence)
	assert.Contains(t, impact.Note, "No wellness data")
}

func TestCapacityRecoveryOnly(t *testing.T) {
	rec := &Recovery{Score: 20}

	impact := Capacity(rec, nil)

	assert.Equal(t, 20, impact.Physical)
	// Sleep falls back to neutral 70: round(70*0.7 + 20*0.3) = 55.
	assert.Equal(t, 55, impact.Cognitive)
	assert.Equal(t, 38, impact.Emotional)
	assert.Equal(t, 0.9, impact.Confidence)
	assert.Contains(t, impact.Note, "needs rest")
}

func TestCapacitySleepOnly(t *testing.T) {
	slp := &Sleep{Performance: intPtr(90)}

	impact := Capacity(nil, slp)

	assert.Equal(t, 70, impact.Physical)
	// round(90*0.7 + 70*0.3) = 84
	assert.Equal(t, 84, impact.Cognitive)
	assert.Equal(t, 0.5, impact.Confidence)
}

func TestCapacityHRVBonus(t *testing.T) {
	rec := &Recovery{Score: 50, HRV: floatPtr(90)}
	slp := &Sleep{Performance: intPtr(80)}

	impact := Capacity(rec, slp)

	assert.Equal(t, 50, impact.Physical)
	// round(80*0.7 + 50*0.3 + (90-50)/5) = round(56 + 15 + 8) = 79
	assert.Equal(t, 79, impact.Cognitive)
	assert.Equal(t, 65, impact.Emotional)
	// 50 is moderate, but HRV above 80 reads as solid.
	assert.Contains(t, impact.Note, "HRV is solid")
}

func TestCapacityHRVBonusCapped(t *testing.T) {
	rec := &Recovery{Score: 70, HRV: floatPtr(500)}
	slp := &Sleep{Performance: intPtr(70)}

	impact := Capacity(rec, slp)

	// Bonus caps at +20: round(49 + 21 + 20) = 90, not off the chart.
	assert.Equal(t, 90, impact.Cognitive)
}

func TestCapacityCognitiveClamped(t *testing.T) {
	rec := &Recovery{Score: 100, HRV: floatPtr(200)}
	slp := &Sleep{Performance: intPtr(100)}

	impact := Capacity(rec, slp)

	assert.Equal(t, 100, impact.Cognitive)
}

func TestCapacityAffects(t *testing.T) {
	rec := &Recovery{Score: 90}
	slp := &Sleep{Performance: intPtr(46)}

	impact := Capacity(rec, slp)
	cognitive := impact.Cognitive

	affects := impact.Affects
	assert.Equal(t, round(90*0.85+float64(cognitive)*0.15), affects[core.ActivityPhysical])
	assert.Equal(t, round(float64(cognitive)*0.70+90*0.30), affects[core.ActivityCognitive])
	assert.Equal(t, round((90+float64(cognitive))/2), affects[core.ActivityEmotional])
	// Physical input to creative work is capped at 80 even with recovery at 90.
	assert.Equal(t, round(float64(cognitive)*0.60+80*0.40), affects[core.ActivityCreative])
}

func TestCapacityNoteTiers(t *testing.T) {
	tests := []struct {
		name  string
		score int
		hrv   *float64
		want  string
	}{
		{"low", 33, nil, "needs rest"},
		{"moderate", 34, nil, "pace yourself"},
		{"moderate high hrv", 50, floatPtr(85), "HRV is solid"},
		{"moderate hrv at floor", 50, floatPtr(80), "pace yourself"},
		{"good", 67, nil, "capacity available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			impact := Capacity(&Recovery{Score: tt.score, HRV: tt.hrv}, nil)
			assert.Contains(t, impact.Note, tt.want)
		})
	}
}
