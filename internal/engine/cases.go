package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"closeloop/internal/canon"
	"closeloop/internal/compliance"
	"closeloop/internal/dates"
	"closeloop/internal/domain"
	"closeloop/internal/events"
	"closeloop/internal/repo"
)

// CaseCreateOptions are parameters for opening a case from a finding.
type CaseCreateOptions struct {
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
	ActorID        string
	Force          bool
}

// CreateCase runs duplicate detection, builds the case bundle and persists
// the QA action and education draft in one transaction.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (compliance.Bundle, error) {
	if strings.TrimSpace(opts.FindingLabel) == "" {
		return compliance.Bundle{}, fmt.Errorf("%w: finding label is required", ErrInvalid)
	}
	if opts.AuditSessionID != "" {
		sess, err := e.Repo.GetAuditSession(ctx, opts.AuditSessionID)
		switch {
		case err == nil:
			if opts.Unit == "" {
				opts.Unit = sess.Unit
			}
			if opts.AuditDate == "" {
				opts.AuditDate = sess.AuditDate
			}
			if opts.TemplateID == "" {
				opts.TemplateID = sess.TemplateID
			}
		case errors.Is(err, repo.ErrNotFound):
			e.log().Warn("case references unknown audit session", zap.String("audit_session_id", opts.AuditSessionID))
		default:
			return compliance.Bundle{}, fmt.Errorf("load audit session: %w", err)
		}
	}
	if opts.AuditDate != "" && dates.Normalize(opts.AuditDate) == "" {
		e.log().Warn("ignoring unparseable audit date", zap.String("audit_date", opts.AuditDate))
	}

	var err error
	if opts.Unit, err = e.migrateLabel(ctx, "unit", opts.Unit); err != nil {
		return compliance.Bundle{}, err
	}
	if opts.Owner, err = e.migrateLabel(ctx, "owner", opts.Owner); err != nil {
		return compliance.Bundle{}, err
	}
	if opts.Topic, err = e.migrateLabel(ctx, "topic", opts.Topic); err != nil {
		return compliance.Bundle{}, err
	}

	open, err := e.Repo.ListActions(ctx, repo.ActionFilters{Status: domain.ActionOpen})
	if err != nil {
		return compliance.Bundle{}, fmt.Errorf("list open actions: %w", err)
	}
	candidate := domain.QaAction{Issue: opts.FindingLabel, Unit: opts.Unit, StaffAudited: opts.StaffAudited}
	dup, isDup := compliance.FindDuplicateQaAction(candidate, open, e.today())
	if isDup && !opts.Force {
		e.Metrics.DuplicateRefused()
		e.log().Info("duplicate case refused", zap.String("existing_action", dup.ID), zap.String("case_id", dup.CaseID))
		return compliance.Bundle{}, &DuplicateError{Existing: dup}
	}

	gen := compliance.BundleGenerator{
		Clock: dates.ClockFunc(e.now),
		IDs:   e.ids(),
		Taken: func(id string) bool {
			taken, err := e.Repo.IDTaken(ctx, id)
			return err == nil && taken
		},
	}
	b := gen.CreateBundle(compliance.BundleInput{
		FindingLabel:   opts.FindingLabel,
		Reason:         opts.Reason,
		TemplateID:     opts.TemplateID,
		AuditSessionID: opts.AuditSessionID,
		AuditDate:      opts.AuditDate,
		Severity:       opts.Severity,
		Unit:           opts.Unit,
		Topic:          opts.Topic,
		StaffAudited:   opts.StaffAudited,
		Owner:          opts.Owner,
	})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return compliance.Bundle{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAction(ctx, tx, b.QaAction); err != nil {
		return compliance.Bundle{}, fmt.Errorf("insert qa action: %w", err)
	}
	if err := e.Repo.InsertEducation(ctx, tx, b.EducationDraft); err != nil {
		return compliance.Bundle{}, fmt.Errorf("insert education draft: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.CaseCreated, "case", b.CaseID, opts.ActorID, events.EventPayload{
		"qa_action_id":     b.QaAction.ID,
		"education_id":     b.EducationDraft.ID,
		"severity":         b.QaAction.Severity,
		"due_date":         b.QaAction.DueDate,
		"reaudit_due_date": b.ReAuditDueDate,
	}); err != nil {
		return compliance.Bundle{}, err
	}
	if isDup {
		if err := e.appendEvent(ctx, tx, events.CaseDuplicate, "case", b.CaseID, opts.ActorID, events.EventPayload{"duplicate_of": dup.ID}); err != nil {
			return compliance.Bundle{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return compliance.Bundle{}, err
	}
	e.Metrics.CaseCreated(string(b.QaAction.Severity))
	e.log().Info("case created",
		zap.String("case_id", b.CaseID),
		zap.String("qa_action_id", b.QaAction.ID),
		zap.String("severity", string(b.QaAction.Severity)),
		zap.String("due_date", b.QaAction.DueDate),
		zap.Bool("forced", isDup))
	return b, nil
}

// migrateLabel maps value onto the stored spelling of the same label.
func (e Engine) migrateLabel(ctx context.Context, field, value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	raw, err := e.Repo.RawValues(ctx, field)
	if err != nil {
		return "", fmt.Errorf("load %s dictionary: %w", field, err)
	}
	return canon.MigrateLegacy(value, canon.Dedupe(raw)), nil
}

// Dictionary returns the deduplicated display labels stored for field.
func (e Engine) Dictionary(ctx context.Context, field string) ([]string, error) {
	raw, err := e.Repo.RawValues(ctx, field)
	if err != nil {
		if errors.Is(err, repo.ErrUnknownField) {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return nil, err
	}
	return canon.Dedupe(raw), nil
}

// EvidenceUpdate sets the evidence items that are non-nil.
type EvidenceUpdate struct {
	ActionID            string
	PolicyReviewed      *bool
	EducationProvided   *bool
	CompetencyValidated *bool
	CorrectiveAction    *bool
	MonitoringInPlace   *bool
	ActorID             string
}

func (e Engine) SetEvidence(ctx context.Context, u EvidenceUpdate) (domain.QaAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QaAction{}, err
	}
	defer tx.Rollback()
	a, err := e.openAction(ctx, tx, u.ActionID)
	if err != nil {
		return domain.QaAction{}, err
	}
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&a.Evidence.PolicyReviewed, u.PolicyReviewed)
	set(&a.Evidence.EducationProvided, u.EducationProvided)
	set(&a.Evidence.CompetencyValidated, u.CompetencyValidated)
	set(&a.Evidence.CorrectiveAction, u.CorrectiveAction)
	set(&a.Evidence.MonitoringInPlace, u.MonitoringInPlace)
	a.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.QaAction{}, fmt.Errorf("update action: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ActionEvidence, "qa_action", a.ID, u.ActorID, events.EventPayload{
		"evidence": a.Evidence, "count": a.Evidence.Count(),
	}); err != nil {
		return domain.QaAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QaAction{}, err
	}
	return a, nil
}

type ReAuditOptions struct {
	ActionID string
	Passed   bool
	Notes    string
	ActorID  string
}

// RecordReAudit stores the re-audit outcome. A later call replaces the
// earlier result.
func (e Engine) RecordReAudit(ctx context.Context, opts ReAuditOptions) (domain.QaAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QaAction{}, err
	}
	defer tx.Rollback()
	a, err := e.openAction(ctx, tx, opts.ActionID)
	if err != nil {
		return domain.QaAction{}, err
	}
	ts := e.timestamp()
	a.ReAuditResults = &domain.ReAuditResult{Passed: opts.Passed, Notes: strings.TrimSpace(opts.Notes), RecordedAt: ts}
	a.ReAuditCompletedAt = ts
	a.UpdatedAt = ts
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.QaAction{}, fmt.Errorf("update action: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ActionReAudit, "qa_action", a.ID, opts.ActorID, events.EventPayload{"passed": opts.Passed}); err != nil {
		return domain.QaAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QaAction{}, err
	}
	if !opts.Passed {
		e.log().Warn("re-audit failed", zap.String("action_id", a.ID), zap.String("case_id", a.CaseID))
	}
	return a, nil
}

// CheckClosure reports what ValidateClosure says about the stored action
// without changing it.
func (e Engine) CheckClosure(ctx context.Context, id string) (compliance.ClosureResult, error) {
	a, err := e.GetAction(ctx, id)
	if err != nil {
		return compliance.ClosureResult{}, err
	}
	return compliance.ValidateClosure(a), nil
}

// CloseAction is the only path that marks an action complete. Blocked
// closures return a *ClosureError carrying the validation result.
func (e Engine) CloseAction(ctx context.Context, id, actorID string) (domain.QaAction, compliance.ClosureResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QaAction{}, compliance.ClosureResult{}, err
	}
	defer tx.Rollback()
	a, err := e.openAction(ctx, tx, id)
	if err != nil {
		return domain.QaAction{}, compliance.ClosureResult{}, err
	}
	res := compliance.ValidateClosure(a)
	if !res.CanClose {
		e.Metrics.ClosureRefused()
		e.log().Info("closure refused", zap.String("action_id", a.ID), zap.Strings("errors", res.Errors))
		return a, res, &ClosureError{ActionID: a.ID, Result: res}
	}
	ts := e.timestamp()
	a.Status = domain.ActionComplete
	a.CompletedAt = ts
	a.UpdatedAt = ts
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.QaAction{}, res, fmt.Errorf("update action: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ActionClosed, "qa_action", a.ID, actorID, events.EventPayload{
		"case_id": a.CaseID, "warnings": res.Warnings,
	}); err != nil {
		return domain.QaAction{}, res, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QaAction{}, res, err
	}
	e.Metrics.ActionClosed(string(a.Severity))
	e.log().Info("action closed", zap.String("action_id", a.ID), zap.String("case_id", a.CaseID), zap.Int("warnings", len(res.Warnings)))
	return a, res, nil
}

// DeleteAction soft-deletes an action. Deleted actions drop out of
// listings, duplicate detection and escalation.
func (e Engine) DeleteAction(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.liveAction(ctx, tx, id)
	if err != nil {
		return err
	}
	ts := e.timestamp()
	a.DeletedAt = ts
	a.UpdatedAt = ts
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ActionDeleted, "qa_action", a.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetAction(ctx context.Context, id string) (domain.QaAction, error) {
	a, err := e.Repo.GetAction(ctx, id)
	if err != nil {
		return a, fmt.Errorf("action %s: %w", id, err)
	}
	if a.IsDeleted() {
		return a, fmt.Errorf("action %s: %w", id, repo.ErrNotFound)
	}
	return a, nil
}
