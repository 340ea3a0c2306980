package server

import (
	"encoding/json"

	"closeloop/internal/compliance"
	"closeloop/internal/domain"
	"closeloop/internal/engine"
)

// Request payloads

type CreateCaseRequest struct {
	FindingLabel   string `json:"finding_label" minLength:"1"`
	Reason         string `json:"reason,omitempty"`
	TemplateID     string `json:"template_id,omitempty"`
	AuditSessionID string `json:"audit_session_id,omitempty"`
	AuditDate      string `json:"audit_date,omitempty" example:"2026-01-10"`
	Severity       string `json:"severity,omitempty" enum:"critical,high,medium,low"`
	Unit           string `json:"unit,omitempty"`
	Topic          string `json:"topic,omitempty"`
	StaffAudited   string `json:"staff_audited,omitempty"`
	Owner          string `json:"owner,omitempty"`
	Force          bool   `json:"force,omitempty"`
}

type EvidenceRequest struct {
	PolicyReviewed      *bool `json:"policy_reviewed,omitempty"`
	EducationProvided   *bool `json:"education_provided,omitempty"`
	CompetencyValidated *bool `json:"competency_validated,omitempty"`
	CorrectiveAction    *bool `json:"corrective_action,omitempty"`
	MonitoringInPlace   *bool `json:"monitoring_in_place,omitempty"`
}

type ReAuditRequest struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

type LinkEducationRequest struct {
	EducationID   string `json:"education_id,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Instructor    string `json:"instructor,omitempty"`
	ScheduledDate string `json:"scheduled_date,omitempty" example:"2026-01-17"`
}

type CompleteEducationRequest struct {
	CompletedDate string `json:"completed_date,omitempty" example:"2026-01-15"`
}

type StartAuditRequest struct {
	ID         string `json:"id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Auditor    string `json:"auditor,omitempty"`
	AuditDate  string `json:"audit_date,omitempty" example:"2026-01-10"`
}

// Responses

type CaseResponse struct {
	CaseID         string                  `json:"case_id"`
	QaAction       domain.QaAction         `json:"qa_action"`
	EducationDraft domain.EducationSession `json:"education_draft"`
	ReAuditDueDate string                  `json:"reaudit_due_date"`
}

func caseResponse(b compliance.Bundle) CaseResponse {
	return CaseResponse{
		CaseID:         b.CaseID,
		QaAction:       b.QaAction,
		EducationDraft: b.EducationDraft,
		ReAuditDueDate: b.ReAuditDueDate,
	}
}

type CloseResponse struct {
	Action  domain.QaAction          `json:"action"`
	Closure compliance.ClosureResult `json:"closure"`
}

type LinkEducationResponse struct {
	Action    domain.QaAction         `json:"action"`
	Education domain.EducationSession `json:"education"`
}

type ActionListResponse struct {
	Items []engine.CaseSummary `json:"items"`
}

type AuditListResponse struct {
	Items []domain.AuditSession `json:"items"`
}

type EscalationsResponse struct {
	Published bool                     `json:"published"`
	Items     []domain.EscalationEvent `json:"items"`
}

type DictionaryResponse struct {
	Field  string   `json:"field"`
	Labels []string `json:"labels"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FacilityID string         `json:"facility_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		FacilityID: evt.FacilityID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
