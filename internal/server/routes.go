package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"closeloop/internal/compliance"
	"closeloop/internal/domain"
	"closeloop/internal/engine"
	"closeloop/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type actionPath struct {
	ActionID string `path:"action_id"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case from an audit finding",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			FindingLabel:   input.Body.FindingLabel,
			Reason:         input.Body.Reason,
			TemplateID:     input.Body.TemplateID,
			AuditSessionID: input.Body.AuditSessionID,
			AuditDate:      input.Body.AuditDate,
			Severity:       input.Body.Severity,
			Unit:           input.Body.Unit,
			Topic:          input.Body.Topic,
			StaffAudited:   input.Body.StaffAudited,
			Owner:          input.Body.Owner,
			ActorID:        actorID,
			Force:          input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-progress",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/progress",
		Summary:     "Workflow stages of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body compliance.CaseProgress `json:"body"`
	}, error) {
		p, err := e.CaseProgress(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body compliance.CaseProgress `json:"body"`
		}{Body: p}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List QA actions with due status",
	}, func(ctx context.Context, input *struct {
		CaseID   string `query:"case_id"`
		Status   string `query:"status" enum:"open,complete"`
		Severity string `query:"severity" enum:"critical,high,medium,low"`
		Unit     string `query:"unit"`
		Owner    string `query:"owner"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body ActionListResponse `json:"body"`
	}, error) {
		items, err := e.ListCases(ctx, repo.ActionFilters{
			CaseID:   input.CaseID,
			Status:   input.Status,
			Severity: input.Severity,
			Unit:     input.Unit,
			Owner:    input.Owner,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionListResponse `json:"body"`
		}{Body: ActionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get QA action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *actionPath) (*struct {
		Body domain.QaAction `json:"body"`
	}, error) {
		a, err := e.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QaAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-action",
		Method:        http.MethodDelete,
		Path:          "/actions/{action_id}",
		Summary:       "Soft-delete QA action",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *actionPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAction(ctx, input.ActionID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "action-due-status",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/due-status",
		Summary:     "Due and re-audit status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *actionPath) (*struct {
		Body engine.ActionDue `json:"body"`
	}, error) {
		due, err := e.DueStatus(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ActionDue `json:"body"`
		}{Body: due}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-evidence",
		Method:      http.MethodPatch,
		Path:        "/actions/{action_id}/evidence",
		Summary:     "Update evidence checklist",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ActionID string          `path:"action_id"`
		Body     EvidenceRequest `json:"body"`
	}) (*struct {
		Body domain.QaAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetEvidence(ctx, engine.EvidenceUpdate{
			ActionID:            input.ActionID,
			PolicyReviewed:      input.Body.PolicyReviewed,
			EducationProvided:   input.Body.EducationProvided,
			CompetencyValidated: input.Body.CompetencyValidated,
			CorrectiveAction:    input.Body.CorrectiveAction,
			MonitoringInPlace:   input.Body.MonitoringInPlace,
			ActorID:             actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QaAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-reaudit",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/reaudit",
		Summary:     "Record re-audit result",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ActionID string         `path:"action_id"`
		Body     ReAuditRequest `json:"body"`
	}) (*struct {
		Body domain.QaAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordReAudit(ctx, engine.ReAuditOptions{
			ActionID: input.ActionID,
			Passed:   input.Body.Passed,
			Notes:    input.Body.Notes,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QaAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-closure",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/closure",
		Summary:     "Validate closure without closing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *actionPath) (*struct {
		Body compliance.ClosureResult `json:"body"`
	}, error) {
		res, err := e.CheckClosure(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body compliance.ClosureResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/close",
		Summary:     "Close QA action",
		Errors:      append([]int{http.StatusUnprocessableEntity}, writeErrors...),
	}, func(ctx context.Context, input *actionPath) (*struct {
		Body CloseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, res, err := e.CloseAction(ctx, input.ActionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CloseResponse `json:"body"`
		}{Body: CloseResponse{Action: a, Closure: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-education",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/education",
		Summary:     "Link or create an education session",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ActionID string               `path:"action_id"`
		Body     LinkEducationRequest `json:"body"`
	}) (*struct {
		Body LinkEducationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, edu, err := e.LinkEducation(ctx, engine.LinkEducationOptions{
			ActionID:      input.ActionID,
			EducationID:   input.Body.EducationID,
			Topic:         input.Body.Topic,
			Instructor:    input.Body.Instructor,
			ScheduledDate: input.Body.ScheduledDate,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LinkEducationResponse `json:"body"`
		}{Body: LinkEducationResponse{Action: a, Education: edu}}, nil
	})
}

func registerEducation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-education",
		Method:      http.MethodGet,
		Path:        "/education/{education_id}",
		Summary:     "Get education session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EducationID string `path:"education_id"`
	}) (*struct {
		Body domain.EducationSession `json:"body"`
	}, error) {
		edu, err := e.GetEducation(ctx, input.EducationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EducationSession `json:"body"`
		}{Body: edu}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-education",
		Method:      http.MethodPost,
		Path:        "/education/{education_id}/complete",
		Summary:     "Mark education session delivered",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		EducationID string                   `path:"education_id"`
		Body        CompleteEducationRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.EducationSession `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edu, err := e.CompleteEducation(ctx, input.EducationID, input.Body.CompletedDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EducationSession `json:"body"`
		}{Body: edu}, nil
	})
}

func registerAudits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audits",
		Method:      http.MethodGet,
		Path:        "/audits",
		Summary:     "List audit sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		items, err := e.ListAuditSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-audit",
		Method:        http.MethodPost,
		Path:          "/audits",
		Summary:       "Start audit session",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body StartAuditRequest `json:"body"`
	}) (*struct {
		Body domain.AuditSession `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartAuditSession(ctx, engine.AuditStartOptions{
			ID:         input.Body.ID,
			TemplateID: input.Body.TemplateID,
			Unit:       input.Body.Unit,
			Auditor:    input.Body.Auditor,
			AuditDate:  input.Body.AuditDate,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditSession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-audit",
		Method:      http.MethodPost,
		Path:        "/audits/{audit_id}/complete",
		Summary:     "Complete audit session",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct {
		Body domain.AuditSession `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CompleteAuditSession(ctx, input.AuditID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditSession `json:"body"`
		}{Body: s}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "Evaluate escalation rules without publishing",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EscalationsResponse `json:"body"`
	}, error) {
		items, err := e.ScanEscalations(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationsResponse `json:"body"`
		}{Body: EscalationsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/scan",
		Summary:     "Evaluate escalation rules and publish",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EscalationsResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ScanEscalations(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationsResponse `json:"body"`
		}{Body: EscalationsResponse{Published: true, Items: items}}, nil
	})
}

func registerDictionaries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dictionary",
		Method:      http.MethodGet,
		Path:        "/dictionaries/{field}",
		Summary:     "Deduplicated labels for a free-text field",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Field string `path:"field" enum:"unit,owner,topic"`
	}) (*struct {
		Body DictionaryResponse `json:"body"`
	}, error) {
		labels, err := e.Dictionary(ctx, input.Field)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DictionaryResponse `json:"body"`
		}{Body: DictionaryResponse{Field: input.Field, Labels: labels}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"case,qa_action,education,audit_session"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, limit+1, cursorID, repo.EventFilters{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
