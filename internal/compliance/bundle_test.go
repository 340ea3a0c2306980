package compliance

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closeloop/internal/dates"
	"closeloop/internal/domain"
)

func fixedClock(y int, m time.Month, d int) dates.Clock {
	return dates.ClockFunc(func() time.Time { return time.Date(y, m, d, 9, 30, 0, 0, time.UTC) })
}

func sequenceIDs(ids ...string) IDSource {
	i := 0
	return IDFunc(func() string {
		id := ids[i%len(ids)]
		i++
		return id
	})
}

var caseIDPattern = regexp.MustCompile(`^CASE-\d{4}-[A-Z0-9]{8}$`)

func TestCreateBundleCriticalScenario(t *testing.T) {
	g := BundleGenerator{Clock: fixedClock(2026, 1, 1)}
	b := g.CreateBundle(BundleInput{
		FindingLabel:   "Missed hand hygiene",
		Severity:       "critical",
		AuditDate:      "2026-01-01",
		AuditSessionID: "sess-1",
		Unit:           " Unit 2 ",
		StaffAudited:   "J. Doe",
	})

	assert.Regexp(t, caseIDPattern, b.CaseID)
	assert.True(t, len(b.CaseID) > 0 && b.CaseID[5:9] == "2026")
	assert.Equal(t, "2026-01-03", b.QaAction.DueDate)
	assert.Equal(t, "2026-01-03", b.QaAction.ReAuditDueDate)
	assert.Equal(t, "2026-01-03", b.ReAuditDueDate)
	assert.Equal(t, b.QaAction.ID, b.EducationDraft.LinkedQaActionID)
	assert.Equal(t, []string{b.EducationDraft.ID}, b.QaAction.LinkedEducationSessions)
	assert.Equal(t, b.CaseID, b.QaAction.CaseID)
	assert.Equal(t, b.CaseID, b.EducationDraft.CaseID)
	assert.Equal(t, domain.ActionOpen, b.QaAction.Status)
	assert.Equal(t, domain.EducationPlanned, b.EducationDraft.Status)
	assert.Equal(t, "2026-01-03", b.EducationDraft.ScheduledDate)
	assert.Equal(t, 0, b.QaAction.Evidence.Count())
	assert.Equal(t, "Unit 2", b.QaAction.Unit)
	assert.Equal(t, "Missed hand hygiene", b.QaAction.Topic)
	assert.NotEqual(t, b.QaAction.ID, b.EducationDraft.ID)
}

func TestCreateBundleSeverityPolicy(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	want := map[string]int{"critical": 2, "high": 7, "medium": 14, "low": 30, "": 14, "urgent": 14, " HIGH ": 7}
	for sev, days := range want {
		b := BundleGenerator{}.CreateBundle(BundleInput{FindingLabel: "x", Severity: sev, Now: func() time.Time { return now }})
		expected := dates.AddDays("2026-03-15", days)
		assert.Equal(t, expected, b.QaAction.DueDate, "severity %q", sev)
		assert.Equal(t, b.QaAction.DueDate, b.QaAction.ReAuditDueDate, "severity %q", sev)
		assert.True(t, b.QaAction.Severity.Valid(), "severity %q", sev)
	}
}

func TestCreateBundleInputClockOverridesGenerator(t *testing.T) {
	g := BundleGenerator{Clock: fixedClock(2026, 1, 1)}
	b := g.CreateBundle(BundleInput{Severity: "low", Now: func() time.Time {
		return time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	}})
	assert.Equal(t, "2027-07-01", b.QaAction.DueDate)
	assert.Contains(t, b.CaseID, "CASE-2027-")
	assert.Equal(t, "2027-06-01", b.QaAction.AuditDate)
}

func TestCreateBundleRetriesOnClash(t *testing.T) {
	ids := sequenceIDs("aaaaaaaa-0000", "bbbbbbbb-1111", "cccccccc-2222", "dddddddd-3333")
	taken := map[string]bool{"CASE-2026-AAAAAAAA": true}
	g := BundleGenerator{Clock: fixedClock(2026, 1, 1), IDs: ids, Taken: func(id string) bool { return taken[id] }}

	b := g.CreateBundle(BundleInput{FindingLabel: "Falls"})
	assert.Equal(t, "CASE-2026-BBBBBBBB", b.CaseID)
	assert.Equal(t, "qa-cccccccc-2222", b.QaAction.ID)
	assert.Equal(t, "edu-dddddddd-3333", b.EducationDraft.ID)
}

func TestCreateBundleUniqueIDs(t *testing.T) {
	g := BundleGenerator{Clock: fixedClock(2026, 1, 1), IDs: UUIDSource{}}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		b := g.CreateBundle(BundleInput{FindingLabel: fmt.Sprintf("finding %d", i)})
		for _, id := range []string{b.CaseID, b.QaAction.ID, b.EducationDraft.ID} {
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	}
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, ParseSeverity("Critical"))
	assert.Equal(t, domain.SeverityMedium, ParseSeverity("sev1"))
	assert.Equal(t, 30, DueDays(domain.SeverityLow))
	assert.Equal(t, 14, DueDays("bogus"))
}
