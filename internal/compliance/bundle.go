package compliance

import (
	"strings"
	"time"

	"closeloop/internal/dates"
	"closeloop/internal/domain"
)

// dueDays is the fixed remediation window per severity, counted from the day
// the case is opened.
var dueDays = map[domain.Severity]int{
	domain.SeverityCritical: 2,
	domain.SeverityHigh:     7,
	domain.SeverityMedium:   14,
	domain.SeverityLow:      30,
}

// DueDays returns the remediation window for s. Unknown severities get the
// medium window.
func DueDays(s domain.Severity) int {
	if d, ok := dueDays[s]; ok {
		return d
	}
	return dueDays[domain.SeverityMedium]
}

// ParseSeverity maps free text onto a severity, defaulting to medium.
func ParseSeverity(s string) domain.Severity {
	sev := domain.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Valid() {
		return sev
	}
	return domain.SeverityMedium
}

type BundleInput struct {
	FindingLabel   string
	Reason         string
	TemplateID     string
	AuditSessionID string
	AuditDate      string
	Severity       string
	Unit           string
	Topic          string
	StaffAudited   string
	Owner          string
	// Now overrides the generator clock for this call.
	Now func() time.Time
}

type Bundle struct {
	CaseID         string                  `json:"case_id"`
	QaAction       domain.QaAction         `json:"qa_action"`
	EducationDraft domain.EducationSession `json:"education_draft"`
	ReAuditDueDate string                  `json:"reaudit_due_date" format:"date"`
}

// BundleGenerator opens new cases. Taken, when set, reports ids already in
// use so that clashing draws are retried.
type BundleGenerator struct {
	Clock Clock
	IDs   IDSource
	Taken func(id string) bool
}

func (g BundleGenerator) now(in BundleInput) time.Time {
	if in.Now != nil {
		return in.Now()
	}
	if g.Clock != nil {
		return g.Clock.Now()
	}
	return time.Now()
}

// CreateBundle builds the records of a new case: one open QA action and one
// planned education session linked to it. Both share the severity-based due
// date, which is also the re-audit deadline. Nothing is persisted.
func (g BundleGenerator) CreateBundle(in BundleInput) Bundle {
	ids := g.IDs
	if ids == nil {
		ids = UUIDSource{}
	}
	now := g.now(in).UTC()
	today := dates.FromTime(now)
	ts := now.Format(time.RFC3339)
	severity := ParseSeverity(in.Severity)
	due := dates.AddDays(today, DueDays(severity))

	caseID := fresh(ids, func(raw string) string { return CaseID(now.Year(), raw) }, g.Taken)
	qaID := fresh(ids, func(raw string) string { return "qa-" + raw }, g.Taken)
	eduID := fresh(ids, func(raw string) string { return "edu-" + raw }, g.Taken)

	unit := strings.TrimSpace(in.Unit)
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		topic = strings.TrimSpace(in.FindingLabel)
	}
	auditDate := dates.Normalize(in.AuditDate)
	if auditDate == "" {
		auditDate = today
	}

	action := domain.QaAction{
		ID:                      qaID,
		CaseID:                  caseID,
		Status:                  domain.ActionOpen,
		Severity:                severity,
		Issue:                   strings.TrimSpace(in.FindingLabel),
		Reason:                  strings.TrimSpace(in.Reason),
		Unit:                    unit,
		Owner:                   strings.TrimSpace(in.Owner),
		StaffAudited:            strings.TrimSpace(in.StaffAudited),
		Topic:                   topic,
		TemplateID:              in.TemplateID,
		AuditSessionID:          in.AuditSessionID,
		AuditDate:               auditDate,
		DueDate:                 due,
		ReAuditDueDate:          due,
		LinkedEducationSessions: []string{eduID},
		CreatedAt:               ts,
		UpdatedAt:               ts,
	}
	edu := domain.EducationSession{
		ID:               eduID,
		CaseID:           caseID,
		Topic:            topic,
		Unit:             unit,
		Status:           domain.EducationPlanned,
		ScheduledDate:    due,
		LinkedQaActionID: qaID,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	return Bundle{CaseID: caseID, QaAction: action, EducationDraft: edu, ReAuditDueDate: due}
}
