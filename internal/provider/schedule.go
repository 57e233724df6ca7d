package provider

import "time"

// ScheduleMode selects how the recurring sync interval is chosen.
type ScheduleMode string

const (
	// ScheduleFixed ticks at a constant interval.
	ScheduleFixed ScheduleMode = "fixed"
	// ScheduleSmart varies the interval by time of day: short while the
	// user is awake, long overnight, to stay fresh without hammering
	// rate-limited APIs.
	ScheduleSmart ScheduleMode = "smart"
)

// HourRange is a local-time active-hours window. Start is inclusive, End
// exclusive: {6, 22} means 06:00-21:59.
type HourRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether the given local hour falls in the window.
func (r HourRange) Contains(hour int) bool {
	return hour >= r.Start && hour < r.End
}

// SyncSchedule declares a provider's recurring sync policy.
type SyncSchedule struct {
	Mode ScheduleMode `json:"mode"`

	// Interval is used when Mode is fixed.
	Interval time.Duration `json:"interval,omitempty"`

	// Smart-mode fields.
	ActiveHours      HourRange     `json:"active_hours,omitempty"`
	ActiveInterval   time.Duration `json:"active_interval,omitempty"`
	InactiveInterval time.Duration `json:"inactive_interval,omitempty"`

	// Lifecycle trigger opt-ins.
	SyncOnConnect bool `json:"sync_on_connect"`
	SyncOnWake    bool `json:"sync_on_wake"`
}

// Fixed builds a constant-interval schedule.
func Fixed(interval time.Duration) SyncSchedule {
	return SyncSchedule{Mode: ScheduleFixed, Interval: interval}
}

// Smart builds a time-of-day-aware schedule.
func Smart(hours HourRange, active, inactive time.Duration) SyncSchedule {
	return SyncSchedule{
		Mode:             ScheduleSmart,
		ActiveHours:      hours,
		ActiveInterval:   active,
		InactiveInterval: inactive,
	}
}

// NextInterval returns how long to wait before the next sync given the
// current local hour.
func (s SyncSchedule) NextInterval(hour int) time.Duration {
	switch s.Mode {
	case ScheduleSmart:
		if s.ActiveHours.Contains(hour) {
			return s.ActiveInterval
		}
		return s.InactiveInterval
	default:
		if s.Interval <= 0 {
			return time.Hour
		}
		return s.Interval
	}
}
