package attendance

import "time"

// Offsets around the configured day start, in minutes.
const (
	earlyBefore   = 30
	onTimeGrace   = 5
	veryLateAfter = 15

	// DefaultDayStartMinute is 08:00.
	DefaultDayStartMinute = 480
)

// Classification is the lateness verdict for one scan.
type Classification struct {
	Status      Status `json:"status"`
	Window      Window `json:"time_window"`
	MinutesLate int    `json:"minutes_late"`
}

// Classify buckets a scan by its wall-clock minute in ts's location.
func Classify(ts time.Time, dayStartMinute int) Classification {
	return ClassifyMinute(ts.Hour()*60+ts.Minute(), dayStartMinute)
}

// ClassifyMinute buckets minute-of-day t against day start s.
func ClassifyMinute(t, s int) Classification {
	switch {
	case t < s-earlyBefore:
		return Classification{Status: StatusPresent, Window: WindowEarly}
	case t <= s+onTimeGrace:
		return Classification{Status: StatusPresent, Window: WindowOnTime}
	case t <= s+veryLateAfter:
		return Classification{Status: StatusLate, Window: WindowLate, MinutesLate: t - s}
	default:
		return Classification{Status: StatusLate, Window: WindowVeryLate, MinutesLate: t - s}
	}
}
