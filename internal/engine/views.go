package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"closeloop/internal/compliance"
	"closeloop/internal/domain"
	"closeloop/internal/repo"
)

// CaseProgress derives the workflow stages of a case from its stored records.
func (e Engine) CaseProgress(ctx context.Context, caseID string) (compliance.CaseProgress, error) {
	actions, err := e.Repo.ListActions(ctx, repo.ActionFilters{CaseID: caseID})
	if err != nil {
		return compliance.CaseProgress{}, err
	}
	if len(actions) == 0 {
		return compliance.CaseProgress{}, fmt.Errorf("case %s: %w", caseID, repo.ErrNotFound)
	}
	a := actions[0]
	audit, err := e.auditFor(ctx, a)
	if err != nil {
		return compliance.CaseProgress{}, fmt.Errorf("load audit session: %w", err)
	}
	edu, err := e.Repo.ListEducation(ctx, caseID, a.LinkedEducationSessions)
	if err != nil {
		return compliance.CaseProgress{}, fmt.Errorf("load education: %w", err)
	}
	return compliance.ComputeProgress(compliance.CaseRecords{Audit: audit, Action: a, Education: edu}, e.today()), nil
}

type ActionDue struct {
	ActionID       string               `json:"action_id"`
	CaseID         string               `json:"case_id,omitempty"`
	DueDate        string               `json:"due_date,omitempty"`
	Due            compliance.DueStatus `json:"due"`
	ReAuditDueDate string               `json:"reaudit_due_date,omitempty"`
	ReAudit        compliance.DueStatus `json:"reaudit"`
}

func (e Engine) dueFor(a domain.QaAction, today string) ActionDue {
	threshold := e.Config.DueSoonDays()
	return ActionDue{
		ActionID:       a.ID,
		CaseID:         a.CaseID,
		DueDate:        a.DueDate,
		Due:            compliance.EvaluateDueWithin(today, a.DueDate, threshold),
		ReAuditDueDate: a.ReAuditDueDate,
		ReAudit:        compliance.EvaluateDueWithin(today, a.ReAuditDueDate, threshold),
	}
}

// DueStatus classifies an action's due and re-audit dates against today.
func (e Engine) DueStatus(ctx context.Context, actionID string) (ActionDue, error) {
	a, err := e.GetAction(ctx, actionID)
	if err != nil {
		return ActionDue{}, err
	}
	return e.dueFor(a, e.today()), nil
}

type CaseSummary struct {
	Action domain.QaAction      `json:"action"`
	Due    compliance.DueStatus `json:"due"`
}

// ListCases returns actions matching f with their due status.
func (e Engine) ListCases(ctx context.Context, f repo.ActionFilters) ([]CaseSummary, error) {
	actions, err := e.Repo.ListActions(ctx, f)
	if err != nil {
		return nil, err
	}
	today := e.today()
	threshold := e.Config.DueSoonDays()
	out := make([]CaseSummary, 0, len(actions))
	for _, a := range actions {
		due := compliance.DueStatus{Status: compliance.DueNone}
		if !a.IsComplete() {
			due = compliance.EvaluateDueWithin(today, a.DueDate, threshold)
		}
		out = append(out, CaseSummary{Action: a, Due: due})
	}
	return out, nil
}

type ComplianceSummary struct {
	Today       string         `json:"today" format:"date"`
	Total       int            `json:"total"`
	Open        int            `json:"open"`
	Complete    int            `json:"complete"`
	ByDue       map[string]int `json:"by_due_status"`
	BySeverity  map[string]int `json:"open_by_severity"`
	Escalations int            `json:"escalations"`
}

// Summary counts live actions by state. Due and severity buckets cover open
// actions only.
func (e Engine) Summary(ctx context.Context) (ComplianceSummary, error) {
	actions, err := e.Repo.ListActions(ctx, repo.ActionFilters{})
	if err != nil {
		return ComplianceSummary{}, err
	}
	today := e.today()
	threshold := e.Config.DueSoonDays()
	s := ComplianceSummary{Today: today, ByDue: map[string]int{}, BySeverity: map[string]int{}}
	for _, sev := range domain.Severities {
		s.BySeverity[string(sev)] = 0
	}
	for _, st := range []string{compliance.DueOverdue, compliance.DueSoon, compliance.DueUpcoming, compliance.DueNone} {
		s.ByDue[st] = 0
	}
	for _, a := range actions {
		s.Total++
		if a.IsComplete() {
			s.Complete++
			continue
		}
		s.Open++
		s.BySeverity[string(a.Severity)]++
		s.ByDue[compliance.EvaluateDueWithin(today, a.DueDate, threshold).Status]++
	}
	s.Escalations = len(e.escalate(actions, today))
	return s, nil
}

func (e Engine) escalate(actions []domain.QaAction, today string) []domain.EscalationEvent {
	return compliance.ScanEscalations(actions, compliance.ScanOptions{
		Today:          today,
		InactivityDays: e.Config.InactivityDays(),
		Now:            e.now,
	})
}

// ScanEscalations evaluates every live action and, when publish is set,
// hands the events to the notifier. Events are returned even if delivery
// fails.
func (e Engine) ScanEscalations(ctx context.Context, publish bool) ([]domain.EscalationEvent, error) {
	actions, err := e.Repo.ListActions(ctx, repo.ActionFilters{})
	if err != nil {
		return nil, err
	}
	evts := e.escalate(actions, e.today())
	byType := map[string]int{}
	for _, evt := range evts {
		byType[evt.Type]++
		if publish {
			e.Metrics.Escalated(evt.Type)
		}
	}
	e.log().Info("escalation scan",
		zap.Int("actions", len(actions)),
		zap.Int("events", len(evts)),
		zap.Int("critical_overdue", byType[domain.EscalationCriticalOverdue]),
		zap.Int("reaudit_missed", byType[domain.EscalationReAuditMissed]),
		zap.Int("stale_case", byType[domain.EscalationStaleCase]))
	if !publish || e.Notifier == nil || len(evts) == 0 {
		return evts, nil
	}
	if err := e.Notifier.Publish(ctx, evts); err != nil {
		return evts, fmt.Errorf("publish escalations: %w", err)
	}
	return evts, nil
}

// ListEvents returns the audit trail newest first. cursor is the smallest
// event id already seen, 0 for the first page.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}

// EventsAfter returns events newer than cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor)
}
