package compliance

import "closeloop/internal/dates"

// DefaultDueSoonDays is the due-soon threshold used by EvaluateDue.
const DefaultDueSoonDays = 7

const (
	DueNone     = "none"
	DueOverdue  = "overdue"
	DueSoon     = "due-soon"
	DueUpcoming = "upcoming"
)

type DueStatus struct {
	Status    string `json:"status" enum:"none,overdue,due-soon,upcoming"`
	DaysUntil int    `json:"days_until"`
	IsOverdue bool   `json:"is_overdue"`
}

// EvaluateDue classifies dueDate against today with the default threshold.
func EvaluateDue(today, dueDate string) DueStatus {
	return EvaluateDueWithin(today, dueDate, DefaultDueSoonDays)
}

// EvaluateDueWithin classifies dueDate against today. DaysUntil is negative
// once the date has passed. Either date failing to parse yields DueNone.
func EvaluateDueWithin(today, dueDate string, threshold int) DueStatus {
	t, d := dates.Normalize(today), dates.Normalize(dueDate)
	if t == "" || d == "" {
		return DueStatus{Status: DueNone}
	}
	if d < t {
		return DueStatus{Status: DueOverdue, DaysUntil: -dates.DaysBetween(d, t), IsOverdue: true}
	}
	days := dates.DaysBetween(t, d)
	if days <= threshold {
		return DueStatus{Status: DueSoon, DaysUntil: days}
	}
	return DueStatus{Status: DueUpcoming, DaysUntil: days}
}
