package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"closeloop/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownField = errors.New("unknown dictionary field")
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- QA actions ---

const actionColumns = `id,COALESCE(case_id,''),status,severity,issue,COALESCE(reason,''),COALESCE(unit,''),COALESCE(owner,''),
COALESCE(staff_audited,''),COALESCE(topic,''),COALESCE(template_id,''),COALESCE(audit_session_id,''),COALESCE(audit_date,''),
COALESCE(due_date,''),COALESCE(reaudit_due_date,''),COALESCE(reaudit_completed_at,''),reaudit_results_json,
ev_policy_reviewed,ev_education_provided,ev_competency_validated,ev_corrective_action,ev_monitoring_in_place,
linked_education_json,created_at,updated_at,COALESCE(completed_at,''),COALESCE(deleted_at,'')`

func scanAction(row scanner) (domain.QaAction, error) {
	var a domain.QaAction
	var results sql.NullString
	var linked string
	err := row.Scan(&a.ID, &a.CaseID, &a.Status, &a.Severity, &a.Issue, &a.Reason, &a.Unit, &a.Owner,
		&a.StaffAudited, &a.Topic, &a.TemplateID, &a.AuditSessionID, &a.AuditDate,
		&a.DueDate, &a.ReAuditDueDate, &a.ReAuditCompletedAt, &results,
		&a.Evidence.PolicyReviewed, &a.Evidence.EducationProvided, &a.Evidence.CompetencyValidated,
		&a.Evidence.CorrectiveAction, &a.Evidence.MonitoringInPlace,
		&linked, &a.CreatedAt, &a.UpdatedAt, &a.CompletedAt, &a.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if results.Valid && results.String != "" {
		var r domain.ReAuditResult
		if err := json.Unmarshal([]byte(results.String), &r); err != nil {
			return a, fmt.Errorf("decode reaudit results for %s: %w", a.ID, err)
		}
		a.ReAuditResults = &r
	}
	a.LinkedEducationSessions = []string{}
	if linked != "" {
		if err := json.Unmarshal([]byte(linked), &a.LinkedEducationSessions); err != nil {
			return a, fmt.Errorf("decode linked education for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

// mutableArgs returns, in column order, every qa_actions value that may
// change after insert. Severity and created_at are fixed at creation.
func mutableArgs(a domain.QaAction) ([]any, error) {
	var results any
	if a.ReAuditResults != nil {
		data, err := json.Marshal(a.ReAuditResults)
		if err != nil {
			return nil, err
		}
		results = string(data)
	}
	linked := a.LinkedEducationSessions
	if linked == nil {
		linked = []string{}
	}
	linkedJSON, err := json.Marshal(linked)
	if err != nil {
		return nil, err
	}
	return []any{
		nullable(a.CaseID), a.Status, a.Issue, nullable(a.Reason), nullable(a.Unit), nullable(a.Owner),
		nullable(a.StaffAudited), nullable(a.Topic), nullable(a.TemplateID), nullable(a.AuditSessionID), nullable(a.AuditDate),
		nullable(a.DueDate), nullable(a.ReAuditDueDate), nullable(a.ReAuditCompletedAt), results,
		a.Evidence.PolicyReviewed, a.Evidence.EducationProvided, a.Evidence.CompetencyValidated,
		a.Evidence.CorrectiveAction, a.Evidence.MonitoringInPlace,
		string(linkedJSON), a.UpdatedAt, nullable(a.CompletedAt), nullable(a.DeletedAt),
	}, nil
}

const mutableColumns = `case_id,status,issue,reason,unit,owner,staff_audited,topic,template_id,
audit_session_id,audit_date,due_date,reaudit_due_date,reaudit_completed_at,reaudit_results_json,
ev_policy_reviewed,ev_education_provided,ev_competency_validated,ev_corrective_action,ev_monitoring_in_place,
linked_education_json,updated_at,completed_at,deleted_at`

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.QaAction) error {
	args, err := mutableArgs(a)
	if err != nil {
		return err
	}
	args = append([]any{a.ID, string(a.Severity), a.CreatedAt}, args...)
	placeholders := "?" + strings.Repeat(",?", len(args)-1)
	_, err = tx.ExecContext(ctx, `INSERT INTO qa_actions(id,severity,created_at,`+mutableColumns+`) VALUES (`+placeholders+`)`, args...)
	return err
}

// UpdateAction rewrites every mutable column of a.
func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.QaAction) error {
	args, err := mutableArgs(a)
	if err != nil {
		return err
	}
	cols := strings.Split(strings.ReplaceAll(mutableColumns, "\n", ""), ",")
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = strings.TrimSpace(c) + "=?"
	}
	args = append(args, a.ID)
	res, err := tx.ExecContext(ctx, `UPDATE qa_actions SET `+strings.Join(set, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.QaAction, error) {
	return getAction(ctx, r.DB, id)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.QaAction, error) {
	return getAction(ctx, tx, id)
}

func getAction(ctx context.Context, q queryer, id string) (domain.QaAction, error) {
	return scanAction(q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM qa_actions WHERE id=?`, id))
}

type ActionFilters struct {
	CaseID         string
	Status         string
	Severity       string
	Unit           string
	Owner          string
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.QaAction, error) {
	return listActions(ctx, r.DB, f)
}

func (r Repo) ListActionsTx(ctx context.Context, tx *sql.Tx, f ActionFilters) ([]domain.QaAction, error) {
	return listActions(ctx, tx, f)
}

func listActions(ctx context.Context, q queryer, f ActionFilters) ([]domain.QaAction, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Unit != "" {
		clauses = append(clauses, "unit=?")
		args = append(args, f.Unit)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	query := fmt.Sprintf(`SELECT %s FROM qa_actions WHERE %s ORDER BY created_at ASC, id ASC`, actionColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.QaAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// IDTaken reports whether id is already used as an action, education,
// audit session or case identifier.
func (r Repo) IDTaken(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM qa_actions WHERE id=?1 OR case_id=?1) +
  (SELECT COUNT(*) FROM education_sessions WHERE id=?1) +
  (SELECT COUNT(*) FROM audit_sessions WHERE id=?1)`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- education sessions ---

const educationColumns = `id,COALESCE(case_id,''),COALESCE(topic,''),COALESCE(unit,''),COALESCE(instructor,''),status,
COALESCE(scheduled_date,''),COALESCE(completed_date,''),COALESCE(linked_qa_action_id,''),created_at,updated_at`

func scanEducation(row scanner) (domain.EducationSession, error) {
	var e domain.EducationSession
	err := row.Scan(&e.ID, &e.CaseID, &e.Topic, &e.Unit, &e.Instructor, &e.Status,
		&e.ScheduledDate, &e.CompletedDate, &e.LinkedQaActionID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEducation(ctx context.Context, tx *sql.Tx, e domain.EducationSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO education_sessions(id,case_id,topic,unit,instructor,status,scheduled_date,completed_date,linked_qa_action_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, nullable(e.CaseID), nullable(e.Topic), nullable(e.Unit), nullable(e.Instructor), e.Status,
		nullable(e.ScheduledDate), nullable(e.CompletedDate), nullable(e.LinkedQaActionID), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEducation(ctx context.Context, tx *sql.Tx, e domain.EducationSession) error {
	res, err := tx.ExecContext(ctx, `UPDATE education_sessions SET case_id=?,topic=?,unit=?,instructor=?,status=?,scheduled_date=?,completed_date=?,linked_qa_action_id=?,updated_at=? WHERE id=?`,
		nullable(e.CaseID), nullable(e.Topic), nullable(e.Unit), nullable(e.Instructor), e.Status,
		nullable(e.ScheduledDate), nullable(e.CompletedDate), nullable(e.LinkedQaActionID), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEducation(ctx context.Context, id string) (domain.EducationSession, error) {
	return scanEducation(r.DB.QueryRowContext(ctx, `SELECT `+educationColumns+` FROM education_sessions WHERE id=?`, id))
}

func (r Repo) GetEducationTx(ctx context.Context, tx *sql.Tx, id string) (domain.EducationSession, error) {
	return scanEducation(tx.QueryRowContext(ctx, `SELECT `+educationColumns+` FROM education_sessions WHERE id=?`, id))
}

// ListEducation returns sessions belonging to caseID or listed in ids. With
// neither set, every session is returned.
func (r Repo) ListEducation(ctx context.Context, caseID string, ids []string) ([]domain.EducationSession, error) {
	var (
		ors  []string
		args []any
	)
	if caseID != "" {
		ors = append(ors, "case_id=?")
		args = append(args, caseID)
	}
	if len(ids) > 0 {
		ors = append(ors, "id IN (?"+strings.Repeat(",?", len(ids)-1)+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	where := ""
	if len(ors) > 0 {
		where = "WHERE " + strings.Join(ors, " OR ")
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM education_sessions %s ORDER BY created_at ASC, id ASC`, educationColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.EducationSession{}
	for rows.Next() {
		e, err := scanEducation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- audit sessions ---

const auditColumns = `id,COALESCE(template_id,''),COALESCE(unit,''),COALESCE(auditor,''),audit_date,status,COALESCE(completed_at,''),created_at`

func scanAudit(row scanner) (domain.AuditSession, error) {
	var s domain.AuditSession
	err := row.Scan(&s.ID, &s.TemplateID, &s.Unit, &s.Auditor, &s.AuditDate, &s.Status, &s.CompletedAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertAuditSession(ctx context.Context, tx *sql.Tx, s domain.AuditSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_sessions(id,template_id,unit,auditor,audit_date,status,completed_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, nullable(s.TemplateID), nullable(s.Unit), nullable(s.Auditor), s.AuditDate, s.Status, nullable(s.CompletedAt), s.CreatedAt)
	return err
}

func (r Repo) UpdateAuditSession(ctx context.Context, tx *sql.Tx, s domain.AuditSession) error {
	res, err := tx.ExecContext(ctx, `UPDATE audit_sessions SET status=?,completed_at=? WHERE id=?`, s.Status, nullable(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAuditSession(ctx context.Context, id string) (domain.AuditSession, error) {
	return scanAudit(r.DB.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_sessions WHERE id=?`, id))
}

func (r Repo) GetAuditSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.AuditSession, error) {
	return scanAudit(tx.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_sessions WHERE id=?`, id))
}

func (r Repo) ListAuditSessions(ctx context.Context) ([]domain.AuditSession, error) {
	return listAudits(ctx, r.DB)
}

func (r Repo) ListAuditSessionsTx(ctx context.Context, tx *sql.Tx) ([]domain.AuditSession, error) {
	return listAudits(ctx, tx)
}

func listAudits(ctx context.Context, q queryer) ([]domain.AuditSession, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_sessions ORDER BY audit_date DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AuditSession{}
	for rows.Next() {
		s, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- dictionaries ---

// dictionarySources lists, per field, the columns holding free-text values.
var dictionarySources = map[string][]string{
	"unit":  {"SELECT unit FROM qa_actions WHERE unit IS NOT NULL", "SELECT unit FROM education_sessions WHERE unit IS NOT NULL", "SELECT unit FROM audit_sessions WHERE unit IS NOT NULL"},
	"owner": {"SELECT owner FROM qa_actions WHERE owner IS NOT NULL"},
	"topic": {"SELECT topic FROM qa_actions WHERE topic IS NOT NULL", "SELECT topic FROM education_sessions WHERE topic IS NOT NULL"},
}

// DictionaryFields lists the fields RawValues accepts.
func DictionaryFields() []string { return []string{"owner", "topic", "unit"} }

// RawValues returns every stored value of field, in insertion order, without
// any deduplication.
func (r Repo) RawValues(ctx context.Context, field string) ([]string, error) {
	sources, ok := dictionarySources[field]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownField, field)
	}
	rows, err := r.DB.QueryContext(ctx, strings.Join(sources, " UNION ALL "))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- events ---

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns up to limit events older than cursor (0 = newest),
// newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FacilityID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
