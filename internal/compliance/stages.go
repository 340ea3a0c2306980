package compliance

import (
	"math"

	"closeloop/internal/dates"
	"closeloop/internal/domain"
)

const (
	StageAudit     = "audit"
	StageQaAction  = "qa_action"
	StageEducation = "education"
	StageReAudit   = "reaudit"
	StageClosed    = "closed"
)

// CaseRecords is the snapshot of one case the progress view is derived from.
// Audit is nil when the finding was not captured in a session or the session
// could not be loaded.
type CaseRecords struct {
	Audit     *domain.AuditSession
	Action    domain.QaAction
	Education []domain.EducationSession
}

type NextAction struct {
	StageID     string `json:"stage_id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	LinkTo      string `json:"link_to"`
}

type CaseProgress struct {
	CaseID          string                 `json:"case_id"`
	ActionID        string                 `json:"action_id"`
	Stages          []domain.WorkflowStage `json:"stages"`
	ProgressPercent int                    `json:"progress_percent"`
	NextAction      *NextAction            `json:"next_action,omitempty"`
}

// stage carries a WorkflowStage plus the bits needed for the follow-up passes.
type stage struct {
	domain.WorkflowStage
	start string
	next  NextAction
}

// ComputeProgress derives the ordered stage list of a case. Education appears
// only when the action links sessions; re-audit only when one is due or has
// been recorded.
func ComputeProgress(rec CaseRecords, today string) CaseProgress {
	a := rec.Action
	today = dates.Normalize(today)
	opened := firstDate(a.CreatedAt, a.AuditDate, today)

	stages := []stage{auditStage(rec, opened)}
	stages = append(stages, actionStage(a, opened))
	if len(a.LinkedEducationSessions) > 0 {
		stages = append(stages, educationStage(a, rec.Education))
	}
	if a.ReAuditDueDate != "" || a.ReAuditResults != nil || a.ReAuditCompletedAt != "" {
		stages = append(stages, reAuditStage(rec))
	}
	stages = append(stages, stage{
		WorkflowStage: domain.WorkflowStage{
			ID:          StageClosed,
			Name:        "Closed",
			Status:      statusIf(a.IsComplete(), domain.StagePending),
			Assignee:    a.Owner,
			CompletedAt: a.CompletedAt,
		},
		next: NextAction{Description: "Validate closure and close the QA action", LinkTo: "/qa-actions/" + a.ID},
	})

	// A stage left open behind finished downstream work is inconsistent.
	for i := range stages {
		if stages[i].Status == domain.StageComplete {
			continue
		}
		for j := i + 1; j < len(stages); j++ {
			if stages[j].Status == domain.StageComplete {
				stages[i].Status = domain.StageBlocked
				break
			}
		}
	}

	prevDone := ""
	for i := range stages {
		s := &stages[i]
		start := firstDate(prevDone, s.start, opened)
		if s.Status != domain.StagePending {
			s.StartedAt = start
			end := today
			if s.Status == domain.StageComplete {
				end = firstDate(s.CompletedAt, today)
			}
			if start != "" && end != "" && !dates.IsBefore(end, start) {
				s.DaysInStage = dates.DaysBetween(start, end)
			}
		}
		if s.Status == domain.StageComplete {
			prevDone = firstDate(s.CompletedAt, prevDone)
		}
	}

	out := CaseProgress{CaseID: a.CaseID, ActionID: a.ID, Stages: make([]domain.WorkflowStage, 0, len(stages))}
	complete := 0
	for _, s := range stages {
		out.Stages = append(out.Stages, s.WorkflowStage)
		if s.Status == domain.StageComplete {
			complete++
			continue
		}
		if out.NextAction == nil {
			next := s.next
			next.StageID = s.ID
			next.Label = s.Name
			if s.Status == domain.StageBlocked {
				next.Description = "Resolve blocked stage: " + next.Description
			}
			out.NextAction = &next
		}
	}
	out.ProgressPercent = int(math.Round(100 * float64(complete) / float64(len(stages))))
	return out
}

func auditStage(rec CaseRecords, opened string) stage {
	a := rec.Action
	s := stage{
		WorkflowStage: domain.WorkflowStage{ID: StageAudit, Name: "Audit Finding", Status: domain.StagePending},
		start:         firstDate(a.AuditDate, opened),
		next:          NextAction{Description: "Complete the audit session", LinkTo: "/audits"},
	}
	if a.AuditSessionID == "" {
		if a.AuditDate != "" {
			s.Status = domain.StageComplete
			s.CompletedAt = a.AuditDate
		}
		return s
	}
	s.next.LinkTo = "/audits/" + a.AuditSessionID
	if rec.Audit == nil || rec.Audit.ID != a.AuditSessionID {
		s.Status = domain.StageBlocked
		return s
	}
	s.Assignee = rec.Audit.Auditor
	s.start = firstDate(rec.Audit.AuditDate, rec.Audit.CreatedAt, s.start)
	if rec.Audit.Status == domain.AuditComplete {
		s.Status = domain.StageComplete
		s.CompletedAt = firstNonEmpty(rec.Audit.CompletedAt, rec.Audit.AuditDate)
	} else {
		s.Status = domain.StageInProgress
	}
	return s
}

func actionStage(a domain.QaAction, opened string) stage {
	s := stage{
		WorkflowStage: domain.WorkflowStage{ID: StageQaAction, Name: "QA Action", Status: domain.StageInProgress, Assignee: a.Owner},
		start:         opened,
		next:          NextAction{Description: "Document corrective action evidence", LinkTo: "/qa-actions/" + a.ID},
	}
	if a.Evidence.Count() > 0 || a.IsComplete() {
		s.Status = domain.StageComplete
		s.CompletedAt = firstNonEmpty(a.CompletedAt, a.UpdatedAt)
	}
	return s
}

func educationStage(a domain.QaAction, sessions []domain.EducationSession) stage {
	s := stage{
		WorkflowStage: domain.WorkflowStage{ID: StageEducation, Name: "Education", Status: domain.StagePending},
		next:          NextAction{Description: "Deliver the linked education session", LinkTo: "/education/" + a.LinkedEducationSessions[0]},
	}
	byID := make(map[string]domain.EducationSession, len(sessions))
	for _, e := range sessions {
		byID[e.ID] = e
	}
	done, missing := 0, false
	latest := ""
	pendingSet := false
	for _, id := range a.LinkedEducationSessions {
		e, ok := byID[id]
		if !ok {
			missing = true
			continue
		}
		if s.Assignee == "" {
			s.Assignee = e.Instructor
		}
		if e.Status == domain.EducationComplete {
			done++
			if d := firstDate(e.CompletedDate, e.UpdatedAt); d > latest {
				latest = d
			}
			continue
		}
		if !pendingSet {
			s.next.LinkTo = "/education/" + e.ID
			pendingSet = true
		}
	}
	switch {
	case missing:
		s.Status = domain.StageBlocked
	case done == len(a.LinkedEducationSessions):
		s.Status = domain.StageComplete
		s.CompletedAt = latest
	case done > 0:
		s.Status = domain.StageInProgress
	}
	return s
}

func reAuditStage(rec CaseRecords) stage {
	a := rec.Action
	s := stage{
		WorkflowStage: domain.WorkflowStage{ID: StageReAudit, Name: "Re-Audit", Status: domain.StagePending, Assignee: a.Owner},
		next:          NextAction{Description: "Record the re-audit result", LinkTo: "/qa-actions/" + a.ID},
	}
	if rec.Audit != nil && rec.Audit.Auditor != "" {
		s.Assignee = rec.Audit.Auditor
	}
	if a.ReAuditResults != nil || a.ReAuditCompletedAt != "" {
		s.Status = domain.StageComplete
		s.CompletedAt = a.ReAuditCompletedAt
		if s.CompletedAt == "" && a.ReAuditResults != nil {
			s.CompletedAt = a.ReAuditResults.RecordedAt
		}
	}
	return s
}

func statusIf(done bool, otherwise string) string {
	if done {
		return domain.StageComplete
	}
	return otherwise
}

// firstDate returns the first value that normalizes to a calendar date.
func firstDate(values ...string) string {
	for _, v := range values {
		if d := dates.Normalize(v); d != "" {
			return d
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
