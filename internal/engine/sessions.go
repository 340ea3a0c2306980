package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"closeloop/internal/compliance"
	"closeloop/internal/dates"
	"closeloop/internal/domain"
	"closeloop/internal/events"
	"closeloop/internal/repo"
)

type AuditStartOptions struct {
	ID         string
	TemplateID string
	Unit       string
	Auditor    string
	AuditDate  string
	ActorID    string
}

// StartAuditSession records a new audit session. Starting a session whose id
// is already stored returns the stored session unchanged, so re-submitted
// imports are harmless.
func (e Engine) StartAuditSession(ctx context.Context, opts AuditStartOptions) (domain.AuditSession, error) {
	auditDate := e.today()
	if opts.AuditDate != "" {
		if auditDate = dates.Normalize(opts.AuditDate); auditDate == "" {
			return domain.AuditSession{}, fmt.Errorf("%w: audit date %q is not a valid date", ErrInvalid, opts.AuditDate)
		}
	}
	unit, err := e.migrateLabel(ctx, "unit", opts.Unit)
	if err != nil {
		return domain.AuditSession{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = "audit-" + e.ids().NewID()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditSession{}, err
	}
	defer tx.Rollback()
	existing, err := e.Repo.ListAuditSessionsTx(ctx, tx)
	if err != nil {
		return domain.AuditSession{}, fmt.Errorf("list audit sessions: %w", err)
	}
	if dup, ok := compliance.FindDuplicateSession(id, existing); ok {
		e.log().Info("audit session already started", zap.String("audit_session_id", id))
		return dup, nil
	}
	s := domain.AuditSession{
		ID:         id,
		TemplateID: opts.TemplateID,
		Unit:       unit,
		Auditor:    strings.TrimSpace(opts.Auditor),
		AuditDate:  auditDate,
		Status:     domain.AuditInProgress,
		CreatedAt:  e.timestamp(),
	}
	if err := e.Repo.InsertAuditSession(ctx, tx, s); err != nil {
		return domain.AuditSession{}, fmt.Errorf("insert audit session: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.AuditStarted, "audit_session", s.ID, opts.ActorID, events.EventPayload{
		"unit": s.Unit, "audit_date": s.AuditDate,
	}); err != nil {
		return domain.AuditSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditSession{}, err
	}
	return s, nil
}

func (e Engine) CompleteAuditSession(ctx context.Context, id, actorID string) (domain.AuditSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditSession{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetAuditSessionTx(ctx, tx, id)
	if err != nil {
		return s, fmt.Errorf("audit session %s: %w", id, err)
	}
	if s.Status == domain.AuditComplete {
		return s, nil
	}
	s.Status = domain.AuditComplete
	s.CompletedAt = e.timestamp()
	if err := e.Repo.UpdateAuditSession(ctx, tx, s); err != nil {
		return s, fmt.Errorf("update audit session: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.AuditCompleted, "audit_session", s.ID, actorID, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) ListAuditSessions(ctx context.Context) ([]domain.AuditSession, error) {
	return e.Repo.ListAuditSessions(ctx)
}

type LinkEducationOptions struct {
	ActionID string
	// EducationID links an existing session. When empty a new planned
	// session is created from the fields below.
	EducationID   string
	Topic         string
	Instructor    string
	ScheduledDate string
	ActorID       string
}

// LinkEducation attaches an education session to an action. Linking is by
// reference: the session keeps its own lifetime.
func (e Engine) LinkEducation(ctx context.Context, opts LinkEducationOptions) (domain.QaAction, domain.EducationSession, error) {
	scheduled := ""
	if opts.ScheduledDate != "" {
		if scheduled = dates.Normalize(opts.ScheduledDate); scheduled == "" {
			return domain.QaAction{}, domain.EducationSession{}, fmt.Errorf("%w: scheduled date %q is not a valid date", ErrInvalid, opts.ScheduledDate)
		}
	}
	topic, err := e.migrateLabel(ctx, "topic", opts.Topic)
	if err != nil {
		return domain.QaAction{}, domain.EducationSession{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QaAction{}, domain.EducationSession{}, err
	}
	defer tx.Rollback()
	a, err := e.openAction(ctx, tx, opts.ActionID)
	if err != nil {
		return domain.QaAction{}, domain.EducationSession{}, err
	}
	ts := e.timestamp()

	var edu domain.EducationSession
	if opts.EducationID != "" {
		edu, err = e.Repo.GetEducationTx(ctx, tx, opts.EducationID)
		if err != nil {
			return a, edu, fmt.Errorf("education %s: %w", opts.EducationID, err)
		}
		if edu.LinkedQaActionID == "" {
			edu.LinkedQaActionID = a.ID
			edu.UpdatedAt = ts
			if err := e.Repo.UpdateEducation(ctx, tx, edu); err != nil {
				return a, edu, fmt.Errorf("update education: %w", err)
			}
		}
	} else {
		if topic == "" {
			topic = a.Topic
		}
		if scheduled == "" {
			scheduled = a.DueDate
		}
		edu = domain.EducationSession{
			ID:               "edu-" + e.ids().NewID(),
			CaseID:           a.CaseID,
			Topic:            topic,
			Unit:             a.Unit,
			Instructor:       strings.TrimSpace(opts.Instructor),
			Status:           domain.EducationPlanned,
			ScheduledDate:    scheduled,
			LinkedQaActionID: a.ID,
			CreatedAt:        ts,
			UpdatedAt:        ts,
		}
		if err := e.Repo.InsertEducation(ctx, tx, edu); err != nil {
			return a, edu, fmt.Errorf("insert education: %w", err)
		}
	}

	for _, id := range a.LinkedEducationSessions {
		if id == edu.ID {
			return a, edu, tx.Commit()
		}
	}
	a.LinkedEducationSessions = append(a.LinkedEducationSessions, edu.ID)
	a.UpdatedAt = ts
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return a, edu, fmt.Errorf("update action: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.EducationLinked, "qa_action", a.ID, opts.ActorID, events.EventPayload{"education_id": edu.ID}); err != nil {
		return a, edu, err
	}
	if err := tx.Commit(); err != nil {
		return a, edu, err
	}
	return a, edu, nil
}

// CompleteEducation marks a session delivered on completedDate, or today
// when completedDate is empty.
func (e Engine) CompleteEducation(ctx context.Context, id, completedDate, actorID string) (domain.EducationSession, error) {
	done := e.today()
	if completedDate != "" {
		if done = dates.Normalize(completedDate); done == "" {
			return domain.EducationSession{}, fmt.Errorf("%w: completed date %q is not a valid date", ErrInvalid, completedDate)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EducationSession{}, err
	}
	defer tx.Rollback()
	edu, err := e.Repo.GetEducationTx(ctx, tx, id)
	if err != nil {
		return edu, fmt.Errorf("education %s: %w", id, err)
	}
	if edu.Status == domain.EducationComplete {
		return edu, fmt.Errorf("%w: education %s is already complete", ErrConflict, id)
	}
	edu.Status = domain.EducationComplete
	edu.CompletedDate = done
	edu.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateEducation(ctx, tx, edu); err != nil {
		return edu, fmt.Errorf("update education: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.EducationCompleted, "education", edu.ID, actorID, events.EventPayload{"completed_date": done}); err != nil {
		return edu, err
	}
	if err := tx.Commit(); err != nil {
		return edu, err
	}
	return edu, nil
}

func (e Engine) GetEducation(ctx context.Context, id string) (domain.EducationSession, error) {
	edu, err := e.Repo.GetEducation(ctx, id)
	if err != nil {
		return edu, fmt.Errorf("education %s: %w", id, err)
	}
	return edu, nil
}

// auditFor loads the session an action was raised from. A missing session
// yields nil so the progress view can flag it.
func (e Engine) auditFor(ctx context.Context, a domain.QaAction) (*domain.AuditSession, error) {
	if a.AuditSessionID == "" {
		return nil, nil
	}
	s, err := e.Repo.GetAuditSession(ctx, a.AuditSessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
