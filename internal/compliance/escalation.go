package compliance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"closeloop/internal/dates"
	"closeloop/internal/domain"
)

// DefaultInactivityDays is the stale-case threshold used when ScanOptions
// leaves InactivityDays unset.
const DefaultInactivityDays = 5

const (
	FallbackCriticalRecipient = "QAPI Coordinator"
	FallbackReAuditRecipient  = "Unit Manager"
	FallbackStaleRecipient    = "Director of Nursing"
)

type ScanOptions struct {
	// Today is the reference date; derived from Now when empty.
	Today          string
	InactivityDays int
	Now            func() time.Time
}

func (o ScanOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// ScanEscalations evaluates every action against the escalation rules. Rules
// are independent, so one action can raise several events. Actions outside a
// case and soft-deleted actions never escalate. The result is sorted by id.
func ScanEscalations(actions []domain.QaAction, opts ScanOptions) []domain.EscalationEvent {
	now := opts.now().UTC()
	today := dates.Normalize(opts.Today)
	if today == "" {
		today = dates.FromTime(now)
	}
	inactivity := opts.InactivityDays
	if inactivity <= 0 {
		inactivity = DefaultInactivityDays
	}
	ts := now.Format(time.RFC3339)

	out := []domain.EscalationEvent{}
	emit := func(a domain.QaAction, kind, typ, fallback, msg string) {
		out = append(out, domain.EscalationEvent{
			ID:         "esc-" + a.ID + "-" + kind,
			CaseID:     a.CaseID,
			ActionID:   a.ID,
			Type:       typ,
			Recipients: recipients(a.Owner, fallback),
			Message:    msg,
			CreatedAt:  ts,
		})
	}
	for _, a := range actions {
		if a.CaseID == "" || a.IsDeleted() {
			continue
		}
		label := describe(a)
		if !a.IsComplete() && a.Severity == domain.SeverityCritical && dates.IsBefore(a.DueDate, today) {
			emit(a, "critical", domain.EscalationCriticalOverdue, FallbackCriticalRecipient,
				fmt.Sprintf("Critical QA action %s is overdue (due %s)", label, dates.Normalize(a.DueDate)))
		}
		if a.ReAuditDueDate != "" && a.ReAuditCompletedAt == "" && dates.IsBefore(a.ReAuditDueDate, today) {
			emit(a, "reaudit", domain.EscalationReAuditMissed, FallbackReAuditRecipient,
				fmt.Sprintf("Re-audit for %s was due %s and has not been completed", label, dates.Normalize(a.ReAuditDueDate)))
		}
		if !a.IsComplete() {
			created := dates.Normalize(a.CreatedAt)
			if created != "" && dates.IsBefore(created, today) && dates.DaysBetween(created, today) > inactivity {
				emit(a, "stale", domain.EscalationStaleCase, FallbackStaleRecipient,
					fmt.Sprintf("Case %s has been open for %d days", a.CaseID, dates.DaysBetween(created, today)))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func recipients(owner, fallback string) []string {
	if o := strings.TrimSpace(owner); o != "" {
		return []string{o}
	}
	return []string{fallback}
}

func describe(a domain.QaAction) string {
	if a.Issue != "" {
		return fmt.Sprintf("%q (%s)", a.Issue, a.ID)
	}
	return a.ID
}
