package risk

import (
	"time"
)

const (
	urgencyEpsilon     = 1.0
	shortDeadlineHours = 4.0
	urgencyBoost       = 10.0
)

// Cache lifetimes by time left before the deadline.
const (
	ttlUrgent  = 30 * time.Minute
	ttlSoon    = time.Hour
	ttlToday   = 2 * time.Hour
	ttlRelaxed = 5 * time.Hour
)

// CalculateTimeUrgency compares the hours still allocated to a task with
// the hours left before its deadline. The percentage is not capped so
// severity stays visible; an overdue task keeps growing by its allocation
// for every further day past the deadline.
func CalculateTimeUrgency(allocatedHours float64, deadline *time.Time, now time.Time) TimeUrgency {
	if deadline == nil {
		return TimeUrgency{
			Unbounded:  true,
			Level:      LevelMinimal,
			CacheTTL:   ttlRelaxed,
			Provenance: ProvenanceRule,
		}
	}

	left := deadline.Sub(now).Hours()
	res := TimeUrgency{
		TimeLeftHours: round2(left),
		Provenance:    ProvenanceRule,
		CacheTTL:      UrgencyTTL(left),
	}

	clamped := left
	overdueFactor := 1.0
	if left < 0 {
		clamped = 0
		res.OverdueHours = round2(-left)
		overdueFactor = 1 + (-left)/24
	}
	pct := allocatedHours / (clamped + urgencyEpsilon) * 100 * overdueFactor

	if left < shortDeadlineHours {
		res.Boost += urgencyBoost
	}
	if left < allocatedHours/2 {
		res.Boost += urgencyBoost
	}
	res.RiskPercent = round2(pct + res.Boost)
	res.Level = levelFor(timeThresholds, res.RiskPercent, LevelMinimal)
	return res
}

// UrgencyTTL is how long a record may be served from cache given the hours
// left before the deadline.
func UrgencyTTL(hoursLeft float64) time.Duration {
	switch {
	case hoursLeft <= 2:
		return ttlUrgent
	case hoursLeft <= 6:
		return ttlSoon
	case hoursLeft <= 24:
		return ttlToday
	default:
		return ttlRelaxed
	}
}

// normalizedTime saturates at 1 once the allocation meets the time left.
func (t TimeUrgency) normalized() float64 {
	if t.Unbounded {
		return 0
	}
	return clamp(t.RiskPercent/100, 0, 1)
}
