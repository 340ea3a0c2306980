package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"closeloop/internal/compliance"
	"closeloop/internal/config"
	"closeloop/internal/dates"
	"closeloop/internal/domain"
	"closeloop/internal/events"
	"closeloop/internal/logging"
	"closeloop/internal/metrics"
	"closeloop/internal/notify"
	"closeloop/internal/repo"
)

var (
	// ErrInvalid marks caller input the engine refuses to store.
	ErrInvalid = errors.New("invalid input")
	// ErrConflict marks an operation that does not apply to the record's
	// current state, such as editing a closed action.
	ErrConflict = errors.New("conflict")
)

// DuplicateError is returned by CreateCase when an open action already
// covers the same finding. Retrying with Force creates the case anyway.
type DuplicateError struct {
	Existing domain.QaAction
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("possible duplicate of action %s (case %s, audited %s); use force to create anyway",
		e.Existing.ID, e.Existing.CaseID, e.Existing.AuditDate)
}

// ClosureError is returned by CloseAction when closure validation fails.
type ClosureError struct {
	ActionID string
	Result   compliance.ClosureResult
}

func (e *ClosureError) Error() string {
	return fmt.Sprintf("action %s cannot be closed: %s", e.ActionID, strings.Join(e.Result.Errors, "; "))
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	IDs      compliance.IDSource
	Log      *zap.Logger
	Notifier notify.Publisher
	Metrics  *metrics.Metrics
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		IDs:    compliance.UUIDSource{},
		Log:    logging.Nop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) today() string { return dates.FromTime(e.now()) }

func (e Engine) timestamp() string { return e.now().UTC().Format(time.RFC3339) }

func (e Engine) ids() compliance.IDSource {
	if e.IDs != nil {
		return e.IDs
	}
	return compliance.UUIDSource{}
}

func (e Engine) log() *zap.Logger { return logging.OrNop(e.Log) }

func (e Engine) facilityID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Facility.ID
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, e.facilityID(), entityKind, entityID, actorID, payload)
}

// liveAction loads an action inside tx, treating soft-deleted rows as absent.
func (e Engine) liveAction(ctx context.Context, tx *sql.Tx, id string) (domain.QaAction, error) {
	a, err := e.Repo.GetActionTx(ctx, tx, id)
	if err != nil {
		return a, fmt.Errorf("action %s: %w", id, err)
	}
	if a.IsDeleted() {
		return a, fmt.Errorf("action %s: %w", id, repo.ErrNotFound)
	}
	return a, nil
}

// openAction is liveAction that also refuses closed actions.
func (e Engine) openAction(ctx context.Context, tx *sql.Tx, id string) (domain.QaAction, error) {
	a, err := e.liveAction(ctx, tx, id)
	if err != nil {
		return a, err
	}
	if a.IsComplete() {
		return a, fmt.Errorf("%w: action %s is already complete", ErrConflict, id)
	}
	return a, nil
}
