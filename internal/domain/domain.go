package domain

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

const (
	ActionOpen     = "open"
	ActionComplete = "complete"

	EducationPlanned  = "planned"
	EducationComplete = "complete"

	AuditInProgress = "in_progress"
	AuditComplete   = "complete"
)

type Evidence struct {
	PolicyReviewed      bool `json:"policy_reviewed"`
	EducationProvided   bool `json:"education_provided"`
	CompetencyValidated bool `json:"competency_validated"`
	CorrectiveAction    bool `json:"corrective_action"`
	MonitoringInPlace   bool `json:"monitoring_in_place"`
}

// Count returns how many of the five evidence items are documented.
func (e Evidence) Count() int {
	n := 0
	for _, v := range []bool{e.PolicyReviewed, e.EducationProvided, e.CompetencyValidated, e.CorrectiveAction, e.MonitoringInPlace} {
		if v {
			n++
		}
	}
	return n
}

type ReAuditResult struct {
	Passed     bool   `json:"passed"`
	Notes      string `json:"notes,omitempty"`
	RecordedAt string `json:"recorded_at,omitempty" format:"date-time"`
}

type QaAction struct {
	ID                      string         `json:"id"`
	CaseID                  string         `json:"case_id,omitempty"`
	Status                  string         `json:"status" enum:"open,complete"`
	Severity                Severity       `json:"severity" enum:"critical,high,medium,low"`
	Issue                   string         `json:"issue"`
	Reason                  string         `json:"reason,omitempty"`
	Unit                    string         `json:"unit,omitempty"`
	Owner                   string         `json:"owner,omitempty"`
	StaffAudited            string         `json:"staff_audited,omitempty"`
	Topic                   string         `json:"topic,omitempty"`
	TemplateID              string         `json:"template_id,omitempty"`
	AuditSessionID          string         `json:"audit_session_id,omitempty"`
	AuditDate               string         `json:"audit_date,omitempty" format:"date"`
	DueDate                 string         `json:"due_date,omitempty" format:"date"`
	ReAuditDueDate          string         `json:"reaudit_due_date,omitempty" format:"date"`
	ReAuditCompletedAt      string         `json:"reaudit_completed_at,omitempty"`
	ReAuditResults          *ReAuditResult `json:"reaudit_results,omitempty"`
	Evidence                Evidence       `json:"evidence"`
	LinkedEducationSessions []string       `json:"linked_education_sessions"`
	CreatedAt               string         `json:"created_at" format:"date-time"`
	UpdatedAt               string         `json:"updated_at" format:"date-time"`
	CompletedAt             string         `json:"completed_at,omitempty" format:"date-time"`
	DeletedAt               string         `json:"deleted_at,omitempty" format:"date-time"`
}

func (a QaAction) IsComplete() bool { return a.Status == ActionComplete }
func (a QaAction) IsDeleted() bool  { return a.DeletedAt != "" }

type EducationSession struct {
	ID               string `json:"id"`
	CaseID           string `json:"case_id,omitempty"`
	Topic            string `json:"topic,omitempty"`
	Unit             string `json:"unit,omitempty"`
	Instructor       string `json:"instructor,omitempty"`
	Status           string `json:"status" enum:"planned,complete"`
	ScheduledDate    string `json:"scheduled_date,omitempty" format:"date"`
	CompletedDate    string `json:"completed_date,omitempty" format:"date"`
	LinkedQaActionID string `json:"linked_qa_action_id,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type AuditSession struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Auditor     string `json:"auditor,omitempty"`
	AuditDate   string `json:"audit_date" format:"date"`
	Status      string `json:"status" enum:"in_progress,complete"`
	CompletedAt string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

const (
	EscalationCriticalOverdue = "critical_overdue"
	EscalationStaleCase       = "stale_case"
	EscalationReAuditMissed   = "reaudit_missed"
)

type EscalationEvent struct {
	ID         string   `json:"id"`
	CaseID     string   `json:"case_id"`
	ActionID   string   `json:"action_id"`
	Type       string   `json:"type" enum:"critical_overdue,stale_case,reaudit_missed"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

const (
	StagePending    = "pending"
	StageInProgress = "in-progress"
	StageComplete   = "complete"
	StageBlocked    = "blocked"
)

type WorkflowStage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"pending,in-progress,complete,blocked"`
	DaysInStage int    `json:"days_in_stage"`
	Assignee    string `json:"assignee,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FacilityID string `json:"facility_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
