package wellness

import (
	"sort"
	"time"
)

// Stage labels a raw sleep interval sample.
type Stage string

const (
	StageAwake Stage = "awake"
	StageLight Stage = "light"
	StageDeep  Stage = "deep"
	StageREM   Stage = "rem"
)

// Sample is one raw interval as reported by a native health store. Sources
// like Apple Health emit dozens of these per night with small gaps between
// them.
type Sample struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Stage Stage     `json:"stage"`
}

// sessionGap is the maximum gap between samples that still counts as the
// same sleep session. Longer gaps split the night (e.g. getting up for a
// while vs. rolling over).
const sessionGap = 30 * time.Minute

// Sessions groups raw interval samples into discrete sleep sessions,
// merging samples separated by gaps under 30 minutes.
func Sessions(samples []Sample) [][]Sample {
	if len(samples) == 0 {
		return nil
	}

	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var sessions [][]Sample
	current := []Sample{sorted[0]}
	end := sorted[0].End

	for _, s := range sorted[1:] {
		if s.Start.Sub(end) < sessionGap {
			current = append(current, s)
		} else {
			sessions = append(sessions, current)
			current = []Sample{s}
		}
		if s.End.After(end) {
			end = s.End
		}
	}
	sessions = append(sessions, current)

	return sessions
}

// ReconstructSleep turns raw interval samples into a single nightly Sleep
// summary: the longest session is taken as the night's sleep, durations are
// summed per stage, and efficiency is time asleep over time in bed.
// Returns nil when there are no samples.
func ReconstructSleep(samples []Sample) *Sleep {
	sessions := Sessions(samples)
	if len(sessions) == 0 {
		return nil
	}

	var night []Sample
	var nightSpan time.Duration
	for _, sess := range sessions {
		span := sess[len(sess)-1].End.Sub(sess[0].Start)
		if span > nightSpan {
			night = sess
			nightSpan = span
		}
	}

	var stages StageBreakdown
	for _, s := range night {
		d := s.End.Sub(s.Start)
		switch s.Stage {
		case StageAwake:
			stages.Awake += d
		case StageDeep:
			stages.Deep += d
		case StageREM:
			stages.REM += d
		default:
			stages.Light += d
		}
	}

	asleep := stages.Asleep()
	efficiency := 0.0
	if total := asleep + stages.Awake; total > 0 {
		efficiency = float64(asleep) / float64(total) * 100
	}

	bedtime := night[0].Start
	wake := night[len(night)-1].End

	// Midnight of the wake time's own calendar day. Truncating on absolute
	// UTC days would stamp the wrong date in non-UTC timezones.
	y, m, d := wake.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, wake.Location())

	return &Sleep{
		Date:       date,
		Duration:   asleep,
		Stages:     stages,
		Efficiency: efficiency,
		Bedtime:    bedtime,
		WakeTime:   wake,
	}
}
