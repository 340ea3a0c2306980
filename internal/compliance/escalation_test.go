package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closeloop/internal/dates"
	"closeloop/internal/domain"
)

func scanOpts() ScanOptions {
	return ScanOptions{Today: today, Now: func() time.Time { return time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC) }}
}

func TestScanCriticalOverdue(t *testing.T) {
	a := openAction("qa-1")
	a.Severity = domain.SeverityCritical
	a.DueDate = dates.AddDays(today, -1)

	events := ScanEscalations([]domain.QaAction{a}, scanOpts())
	require.Len(t, events, 1)
	assert.Equal(t, "esc-qa-1-critical", events[0].ID)
	assert.Equal(t, domain.EscalationCriticalOverdue, events[0].Type)
	assert.Equal(t, a.CaseID, events[0].CaseID)
	assert.Equal(t, []string{FallbackCriticalRecipient}, events[0].Recipients)
	assert.Equal(t, "2026-01-10T06:00:00Z", events[0].CreatedAt)
}

func TestScanRulesAreAdditive(t *testing.T) {
	a := openAction("qa-2")
	a.Owner = "  Unit 2 Manager "
	a.Severity = domain.SeverityCritical
	a.DueDate = "2026-01-01"
	a.ReAuditDueDate = "2026-01-01"
	a.CreatedAt = "2025-12-30T00:00:00Z"

	events := ScanEscalations([]domain.QaAction{a}, scanOpts())
	require.Len(t, events, 3)
	assert.Equal(t, "esc-qa-2-critical", events[0].ID)
	assert.Equal(t, "esc-qa-2-reaudit", events[1].ID)
	assert.Equal(t, "esc-qa-2-stale", events[2].ID)
	for _, e := range events {
		assert.Equal(t, []string{"Unit 2 Manager"}, e.Recipients)
	}
}

func TestScanFallbackRecipients(t *testing.T) {
	re := openAction("qa-re")
	re.ReAuditDueDate = "2026-01-05"
	stale := openAction("qa-stale")
	stale.CreatedAt = "2026-01-01T00:00:00Z"

	events := ScanEscalations([]domain.QaAction{stale, re}, scanOpts())
	require.Len(t, events, 2)
	assert.Equal(t, domain.EscalationReAuditMissed, events[0].Type)
	assert.Equal(t, []string{FallbackReAuditRecipient}, events[0].Recipients)
	assert.Equal(t, domain.EscalationStaleCase, events[1].Type)
	assert.Equal(t, []string{FallbackStaleRecipient}, events[1].Recipients)
}

func TestScanSuppression(t *testing.T) {
	noCase := openAction("qa-nocase")
	noCase.CaseID = ""
	noCase.Severity = domain.SeverityCritical
	noCase.DueDate = "2026-01-01"

	deleted := openAction("qa-del")
	deleted.Severity = domain.SeverityCritical
	deleted.DueDate = "2026-01-01"
	deleted.DeletedAt = "2026-01-02T00:00:00Z"

	closed := openAction("qa-closed")
	closed.Status = domain.ActionComplete
	closed.Severity = domain.SeverityCritical
	closed.DueDate = "2026-01-01"
	closed.CreatedAt = "2025-11-01T00:00:00Z"
	closed.ReAuditDueDate = "2026-01-01"
	closed.ReAuditCompletedAt = "2026-01-01T12:00:00Z"

	dueToday := openAction("qa-today")
	dueToday.Severity = domain.SeverityCritical
	dueToday.DueDate = today

	// exactly five days old is not yet stale
	fresh := openAction("qa-fresh")
	fresh.CreatedAt = "2026-01-05T00:00:00Z"

	events := ScanEscalations([]domain.QaAction{noCase, deleted, closed, dueToday, fresh}, scanOpts())
	assert.Empty(t, events)
	assert.NotNil(t, events)
}

func TestScanInactivityThreshold(t *testing.T) {
	a := openAction("qa-1")
	a.CreatedAt = "2026-01-07T00:00:00Z"
	opts := scanOpts()
	opts.InactivityDays = 2
	events := ScanEscalations([]domain.QaAction{a}, opts)
	require.Len(t, events, 1)
	assert.Equal(t, "esc-qa-1-stale", events[0].ID)
}

func TestScanDeterministic(t *testing.T) {
	var actions []domain.QaAction
	for _, id := range []string{"qa-c", "qa-a", "qa-b"} {
		a := openAction(id)
		a.Severity = domain.SeverityCritical
		a.DueDate = "2026-01-01"
		a.CreatedAt = "2025-12-01T00:00:00Z"
		actions = append(actions, a)
	}
	first := ScanEscalations(actions, scanOpts())
	reversed := []domain.QaAction{actions[2], actions[1], actions[0]}
	second := ScanEscalations(reversed, scanOpts())
	assert.Equal(t, first, second)
	require.Len(t, first, 6)
	assert.Equal(t, "esc-qa-a-critical", first[0].ID)
}

func TestScanTodayFromClock(t *testing.T) {
	a := openAction("qa-1")
	a.Severity = domain.SeverityCritical
	a.DueDate = "2026-01-09"
	events := ScanEscalations([]domain.QaAction{a}, ScanOptions{Now: scanOpts().Now})
	require.Len(t, events, 1)
}
