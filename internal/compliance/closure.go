package compliance

import (
	"strings"

	"closeloop/internal/domain"
)

const (
	MsgNoEvidence        = "At least one evidence item must be documented"
	MsgReAuditMissing    = "Re-audit required but not completed"
	MsgReAuditFailed     = "Re-audit failed; the issue may persist"
	MsgCompetencyNoLink  = "Competency issues should have a linked education session"
	competencyIssueToken = "competency"
)

type ClosureResult struct {
	CanClose bool     `json:"can_close"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidateClosure decides whether a may move to complete. Errors block the
// transition, warnings are informational.
func ValidateClosure(a domain.QaAction) ClosureResult {
	res := ClosureResult{Errors: []string{}, Warnings: []string{}}
	if a.Evidence.Count() == 0 {
		res.Errors = append(res.Errors, MsgNoEvidence)
	}
	if strings.TrimSpace(a.ReAuditDueDate) != "" && a.ReAuditResults == nil {
		res.Errors = append(res.Errors, MsgReAuditMissing)
	}
	if a.ReAuditResults != nil && !a.ReAuditResults.Passed {
		res.Warnings = append(res.Warnings, MsgReAuditFailed)
	}
	if strings.Contains(strings.ToLower(a.Issue), competencyIssueToken) && len(a.LinkedEducationSessions) == 0 {
		res.Warnings = append(res.Warnings, MsgCompetencyNoLink)
	}
	res.CanClose = len(res.Errors) == 0
	return res
}
