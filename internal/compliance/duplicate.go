package compliance

import (
	"closeloop/internal/canon"
	"closeloop/internal/dates"
	"closeloop/internal/domain"
)

// DuplicateWindowDays is how far back an audit date still counts as the same
// finding.
const DuplicateWindowDays = 7

// FindDuplicateQaAction returns the first existing action that looks like a
// re-submission of candidate: same issue, unit and audited staff member
// (compared by canonical key), still open, not deleted, and audited within
// the window ending today. The result is advisory.
func FindDuplicateQaAction(candidate domain.QaAction, existing []domain.QaAction, today string) (domain.QaAction, bool) {
	today = dates.Normalize(today)
	if today == "" {
		return domain.QaAction{}, false
	}
	windowStart := dates.AddDays(today, -DuplicateWindowDays)
	issue := canon.Canonicalize(candidate.Issue)
	unit := canon.Canonicalize(candidate.Unit)
	staff := canon.Canonicalize(candidate.StaffAudited)
	for _, a := range existing {
		if a.IsComplete() || a.IsDeleted() || (a.ID != "" && a.ID == candidate.ID) {
			continue
		}
		if canon.Canonicalize(a.Issue) != issue ||
			canon.Canonicalize(a.Unit) != unit ||
			canon.Canonicalize(a.StaffAudited) != staff {
			continue
		}
		audited := dates.Normalize(a.AuditDate)
		if audited == "" || dates.IsBefore(audited, windowStart) || dates.IsBefore(today, audited) {
			continue
		}
		return a, true
	}
	return domain.QaAction{}, false
}

// FindDuplicateSession returns the session whose id equals id exactly.
func FindDuplicateSession(id string, sessions []domain.AuditSession) (domain.AuditSession, bool) {
	if id == "" {
		return domain.AuditSession{}, false
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, true
		}
	}
	return domain.AuditSession{}, false
}
