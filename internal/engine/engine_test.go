package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closeloop/internal/compliance"
	"closeloop/internal/config"
	"closeloop/internal/db"
	"closeloop/internal/domain"
	"closeloop/internal/engine"
	"closeloop/internal/events"
	"closeloop/internal/metrics"
	"closeloop/internal/migrate"
	"closeloop/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

// advance moves the engine clock forward by days.
func (env testEnv) advance(days int) {
	*env.clock = env.clock.AddDate(0, 0, days)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	cfg := config.Default("fac-1")
	eng := engine.New(conn, cfg)
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	eng.Metrics = metrics.New()
	return testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

type recordingPublisher struct {
	got [][]domain.EscalationEvent
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, evts []domain.EscalationEvent) error {
	p.got = append(p.got, evts)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func createCase(t *testing.T, env testEnv, opts engine.CaseCreateOptions) compliance.Bundle {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	b, err := env.Engine.CreateCase(env.Ctx, opts)
	require.NoError(t, err)
	return b
}

func TestCreateCasePersistsBundle(t *testing.T) {
	env := newTestEnv(t)
	b := createCase(t, env, engine.CaseCreateOptions{
		FindingLabel: "Hand hygiene not performed",
		Severity:     "high",
		Unit:         "3 West",
		Owner:        "Jordan Lee",
	})

	assert.Regexp(t, `^CASE-2026-[0-9A-F]{8}$`, b.CaseID)
	assert.Equal(t, "2026-01-17", b.QaAction.DueDate)
	assert.Equal(t, b.QaAction.DueDate, b.ReAuditDueDate)

	got, err := env.Engine.GetAction(env.Ctx, b.QaAction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpen, got.Status)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Equal(t, "2026-01-10", got.AuditDate)
	assert.Equal(t, []string{b.EducationDraft.ID}, got.LinkedEducationSessions)

	edu, err := env.Engine.GetEducation(env.Ctx, b.EducationDraft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EducationPlanned, edu.Status)
	assert.Equal(t, got.ID, edu.LinkedQaActionID)
	assert.Equal(t, "2026-01-17", edu.ScheduledDate)

	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.CaseCreated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, b.CaseID, evts[0].EntityID)
	assert.Equal(t, "fac-1", evts[0].FacilityID)
	assert.Equal(t, "tester", evts[0].ActorID)
}

func TestCreateCaseRequiresFinding(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{FindingLabel: "  "})
	assert.ErrorIs(t, err, engine.ErrInvalid)
}

func TestDuplicateCaseRefusedUnlessForced(t *testing.T) {
	env := newTestEnv(t)
	first := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Missing fall risk assessment", Unit: "ICU", StaffAudited: "RN Patel"})

	env.advance(2)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		FindingLabel: "  missing FALL risk   assessment ", Unit: "icu", StaffAudited: "rn patel",
	})
	var dup *engine.DuplicateError
	require.True(t, errors.As(err, &dup), "expected duplicate error, got %v", err)
	assert.Equal(t, first.QaAction.ID, dup.Existing.ID)

	forced := createCase(t, env, engine.CaseCreateOptions{
		FindingLabel: "Missing fall risk assessment", Unit: "ICU", StaffAudited: "RN Patel", Force: true,
	})
	assert.NotEqual(t, first.CaseID, forced.CaseID)

	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.CaseDuplicate})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, forced.CaseID, evts[0].EntityID)
}

func TestDuplicateWindowExpires(t *testing.T) {
	env := newTestEnv(t)
	createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Expired supplies", Unit: "ER"})
	env.advance(8)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{FindingLabel: "Expired supplies", Unit: "ER"})
	assert.NoError(t, err)
}

func TestCreateCaseReusesStoredLabels(t *testing.T) {
	env := newTestEnv(t)
	createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Door propped", Unit: "3 West", Owner: "Jordan Lee"})
	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Call light unanswered", Unit: "3  west", Owner: "JORDAN LEE"})
	assert.Equal(t, "3 West", b.QaAction.Unit)
	assert.Equal(t, "Jordan Lee", b.QaAction.Owner)

	units, err := env.Engine.Dictionary(env.Ctx, "unit")
	require.NoError(t, err)
	assert.Equal(t, []string{"3 West"}, units)

	_, err = env.Engine.Dictionary(env.Ctx, "color")
	assert.ErrorIs(t, err, engine.ErrInvalid)
}

func TestCreateCaseInheritsAuditSession(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Engine.StartAuditSession(env.Ctx, engine.AuditStartOptions{
		ID: "audit-1", TemplateID: "tmpl-hh", Unit: "ICU", Auditor: "Sam", AuditDate: "2026-01-08",
	})
	require.NoError(t, err)

	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Gloves not changed", AuditSessionID: sess.ID})
	assert.Equal(t, "ICU", b.QaAction.Unit)
	assert.Equal(t, "2026-01-08", b.QaAction.AuditDate)
	assert.Equal(t, "tmpl-hh", b.QaAction.TemplateID)
}

func TestStartAuditSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.StartAuditSession(env.Ctx, engine.AuditStartOptions{ID: "audit-7", Unit: "ER", Auditor: "Sam"})
	require.NoError(t, err)
	again, err := env.Engine.StartAuditSession(env.Ctx, engine.AuditStartOptions{ID: "audit-7", Unit: "ICU", Auditor: "Kim"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	sessions, err := env.Engine.ListAuditSessions(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	_, err = env.Engine.StartAuditSession(env.Ctx, engine.AuditStartOptions{AuditDate: "not a date"})
	assert.ErrorIs(t, err, engine.ErrInvalid)

	done, err := env.Engine.CompleteAuditSession(env.Ctx, "audit-7", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.AuditComplete, done.Status)

	_, err = env.Engine.CompleteAuditSession(env.Ctx, "audit-missing", "tester")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCloseActionGating(t *testing.T) {
	env := newTestEnv(t)
	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Medication cart unlocked", Severity: "medium"})
	id := b.QaAction.ID

	_, res, err := env.Engine.CloseAction(env.Ctx, id, "tester")
	var closure *engine.ClosureError
	require.True(t, errors.As(err, &closure))
	assert.False(t, res.CanClose)
	assert.Equal(t, []string{compliance.MsgNoEvidence, compliance.MsgReAuditMissing}, res.Errors)

	yes := true
	_, err = env.Engine.SetEvidence(env.Ctx, engine.EvidenceUpdate{ActionID: id, CorrectiveAction: &yes, ActorID: "tester"})
	require.NoError(t, err)
	check, err := env.Engine.CheckClosure(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{compliance.MsgReAuditMissing}, check.Errors)

	_, err = env.Engine.RecordReAudit(env.Ctx, engine.ReAuditOptions{ActionID: id, Passed: false, Notes: "still unlocked"})
	require.NoError(t, err)

	closed, res, err := env.Engine.CloseAction(env.Ctx, id, "tester")
	require.NoError(t, err)
	assert.True(t, res.CanClose)
	assert.Equal(t, []string{compliance.MsgReAuditFailed}, res.Warnings)
	assert.Equal(t, domain.ActionComplete, closed.Status)
	assert.NotEmpty(t, closed.CompletedAt)

	_, err = env.Engine.SetEvidence(env.Ctx, engine.EvidenceUpdate{ActionID: id, PolicyReviewed: &yes})
	assert.ErrorIs(t, err, engine.ErrConflict)
	_, _, err = env.Engine.CloseAction(env.Ctx, id, "tester")
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestDeletedActionIsHidden(t *testing.T) {
	env := newTestEnv(t)
	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Sharps container full", Unit: "OR"})
	require.NoError(t, env.Engine.DeleteAction(env.Ctx, b.QaAction.ID, "tester"))

	_, err := env.Engine.GetAction(env.Ctx, b.QaAction.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteAction(env.Ctx, b.QaAction.ID, "tester"), repo.ErrNotFound)

	// A deleted action no longer blocks a fresh case for the same finding.
	_, err = env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{FindingLabel: "Sharps container full", Unit: "OR"})
	assert.NoError(t, err)
}

func TestLinkAndCompleteEducation(t *testing.T) {
	env := newTestEnv(t)
	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Competency gap in IV pumps", Unit: "ICU"})

	a, edu, err := env.Engine.LinkEducation(env.Ctx, engine.LinkEducationOptions{
		ActionID: b.QaAction.ID, Topic: "IV pump refresher", Instructor: "Alex", ScheduledDate: "2026-01-12T08:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-01-12", edu.ScheduledDate)
	assert.Equal(t, []string{b.EducationDraft.ID, edu.ID}, a.LinkedEducationSessions)

	// Linking the same session again keeps the set unchanged.
	a, _, err = env.Engine.LinkEducation(env.Ctx, engine.LinkEducationOptions{ActionID: b.QaAction.ID, EducationID: edu.ID})
	require.NoError(t, err)
	assert.Len(t, a.LinkedEducationSessions, 2)

	done, err := env.Engine.CompleteEducation(env.Ctx, edu.ID, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.EducationComplete, done.Status)
	assert.Equal(t, "2026-01-10", done.CompletedDate)

	_, err = env.Engine.CompleteEducation(env.Ctx, edu.ID, "", "tester")
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestCaseProgress(t *testing.T) {
	env := newTestEnv(t)
	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Isolation sign missing", Owner: "Jordan Lee"})

	p, err := env.Engine.CaseProgress(env.Ctx, b.CaseID)
	require.NoError(t, err)
	require.Len(t, p.Stages, 5)
	assert.Equal(t, compliance.StageAudit, p.Stages[0].ID)
	assert.Equal(t, domain.StageComplete, p.Stages[0].Status)
	assert.Equal(t, domain.StageInProgress, p.Stages[1].Status)
	assert.Equal(t, 20, p.ProgressPercent)
	require.NotNil(t, p.NextAction)
	assert.Equal(t, compliance.StageQaAction, p.NextAction.StageID)

	_, err = env.Engine.CaseProgress(env.Ctx, "CASE-2026-NOPE0000")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDueStatusAndSummary(t *testing.T) {
	env := newTestEnv(t)
	crit := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Crash cart unchecked", Severity: "critical"})
	createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Label faded", Severity: "low"})

	due, err := env.Engine.DueStatus(env.Ctx, crit.QaAction.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.DueSoon, due.Due.Status)
	assert.Equal(t, 2, due.Due.DaysUntil)

	env.advance(3)
	due, err = env.Engine.DueStatus(env.Ctx, crit.QaAction.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.DueOverdue, due.Due.Status)
	assert.True(t, due.ReAudit.IsOverdue)

	s, err := env.Engine.Summary(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, s.Open)
	assert.Equal(t, 1, s.ByDue[compliance.DueOverdue])
	assert.Equal(t, 1, s.ByDue[compliance.DueUpcoming])
	assert.Equal(t, 1, s.BySeverity["critical"])
	assert.Equal(t, 0, s.BySeverity["medium"])
	assert.Equal(t, 2, s.Escalations)

	cases, err := env.Engine.ListCases(env.Ctx, repo.ActionFilters{Severity: "low"})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, compliance.DueUpcoming, cases[0].Due.Status)
}

func TestScanEscalationsPublishes(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}
	env.Engine.Notifier = pub
	b := createCase(t, env, engine.CaseCreateOptions{FindingLabel: "Restraint order expired", Severity: "critical", Owner: "Jordan Lee"})

	evts, err := env.Engine.ScanEscalations(env.Ctx, true)
	require.NoError(t, err)
	assert.Empty(t, evts)
	assert.Empty(t, pub.got)

	env.advance(5)
	evts, err = env.Engine.ScanEscalations(env.Ctx, true)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, domain.EscalationCriticalOverdue, evts[0].Type)
	assert.Equal(t, domain.EscalationReAuditMissed, evts[1].Type)
	assert.Equal(t, []string{"Jordan Lee"}, evts[0].Recipients)
	assert.Equal(t, b.CaseID, evts[0].CaseID)
	require.Len(t, pub.got, 1)
	assert.Equal(t, evts, pub.got[0])

	// A dry run computes without publishing.
	_, err = env.Engine.ScanEscalations(env.Ctx, false)
	require.NoError(t, err)
	assert.Len(t, pub.got, 1)

	pub.err = errors.New("broker down")
	evts, err = env.Engine.ScanEscalations(env.Ctx, true)
	assert.Error(t, err)
	assert.Len(t, evts, 2)
}
