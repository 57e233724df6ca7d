// Package wellness normalizes heterogeneous biometric payloads into
// canonical recovery/sleep/strain/activity shapes and derives capacity
// estimates from them.
//
// Different wearables report different subsets: Oura has no strain concept,
// Apple Health derives recovery from HRV and resting heart rate rather than
// reporting one. Everything here degrades to partial data instead of
// failing; missing fields lower the reported confidence.
package wellness

import "time"

// Recovery is a normalized daily recovery/readiness reading.
type Recovery struct {
	Date  time.Time `json:"date"`
	Score int       `json:"score"` // 0-100

	// Optional raw inputs, when the source reports them.
	HRV           *float64 `json:"hrv,omitempty"`             // ms
	RestingHR     *float64 `json:"resting_hr,omitempty"`      // bpm
	BodyTempDelta *float64 `json:"body_temp_delta,omitempty"` // deg C vs baseline
}

// StageBreakdown sums time spent per sleep stage.
type StageBreakdown struct {
	Awake time.Duration `json:"awake"`
	Light time.Duration `json:"light"`
	Deep  time.Duration `json:"deep"`
	REM   time.Duration `json:"rem"`
}

// Asleep is total non-awake time.
func (b StageBreakdown) Asleep() time.Duration {
	return b.Light + b.Deep + b.REM
}

// Sleep is a normalized nightly sleep summary.
type Sleep struct {
	Date        time.Time      `json:"date"`
	Performance *int           `json:"performance,omitempty"` // 0-100 sleep score
	Duration    time.Duration  `json:"duration"`              // time asleep
	Stages      StageBreakdown `json:"stages"`
	Efficiency  float64        `json:"efficiency"` // asleep / in-bed * 100
	Bedtime     time.Time      `json:"bedtime"`
	WakeTime    time.Time      `json:"wake_time"`
}

// Strain is a normalized daily exertion reading (Whoop-style). Sources
// without a strain concept simply never produce one.
type Strain struct {
	Date     time.Time `json:"date"`
	Score    float64   `json:"score"` // 0-21 scale
	Calories int       `json:"calories,omitempty"`
	AvgHR    *float64  `json:"avg_hr,omitempty"`
}

// Workout is one recorded exercise session.
type Workout struct {
	Kind     string        `json:"kind"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Calories int           `json:"calories,omitempty"`
}

// Activity is a normalized daily movement summary.
type Activity struct {
	Date           time.Time `json:"date"`
	Steps          int       `json:"steps"`
	ActiveCalories int       `json:"active_calories,omitempty"`
	Workouts       []Workout `json:"workouts,omitempty"`
}
