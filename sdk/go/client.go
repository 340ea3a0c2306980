package closeloopsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal closeloop HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client that identifies as actorID via X-Actor-Id.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// QaAction represents the API QA action model (partial).
type QaAction struct {
	ID                      string   `json:"id"`
	CaseID                  string   `json:"case_id"`
	Status                  string   `json:"status"`
	Severity                string   `json:"severity"`
	Issue                   string   `json:"issue"`
	Unit                    string   `json:"unit"`
	Owner                   string   `json:"owner"`
	DueDate                 string   `json:"due_date"`
	ReAuditDueDate          string   `json:"reaudit_due_date"`
	LinkedEducationSessions []string `json:"linked_education_sessions"`
	CompletedAt             string   `json:"completed_at"`
}

// Case is the bundle returned when a case is opened.
type Case struct {
	CaseID         string   `json:"case_id"`
	QaAction       QaAction `json:"qa_action"`
	ReAuditDueDate string   `json:"reaudit_due_date"`
}

type NewCase struct {
	FindingLabel   string `json:"finding_label"`
	Reason         string `json:"reason,omitempty"`
	AuditSessionID string `json:"audit_session_id,omitempty"`
	AuditDate      string `json:"audit_date,omitempty"`
	Severity       string `json:"severity,omitempty"`
	Unit           string `json:"unit,omitempty"`
	Topic          string `json:"topic,omitempty"`
	StaffAudited   string `json:"staff_audited,omitempty"`
	Owner          string `json:"owner,omitempty"`
	Force          bool   `json:"force,omitempty"`
}

type Closure struct {
	CanClose bool     `json:"can_close"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type Escalation struct {
	ID         string   `json:"id"`
	CaseID     string   `json:"case_id"`
	ActionID   string   `json:"action_id"`
	Type       string   `json:"type"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase opens a case. A possible duplicate comes back as an *APIError
// with Code "duplicate_action"; resend with Force to override.
func (c *Client) CreateCase(ctx context.Context, in NewCase) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", in, &resp)
	return resp, err
}

// GetAction fetches a QA action by id.
func (c *Client) GetAction(ctx context.Context, id string) (QaAction, error) {
	var resp QaAction
	err := c.do(ctx, http.MethodGet, "v0/actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetEvidence marks the named evidence items, e.g. "corrective_action".
func (c *Client) SetEvidence(ctx context.Context, id string, items map[string]bool) (QaAction, error) {
	var resp QaAction
	err := c.do(ctx, http.MethodPatch, "v0/actions/"+url.PathEscape(id)+"/evidence", items, &resp)
	return resp, err
}

func (c *Client) RecordReAudit(ctx context.Context, id string, passed bool, notes string) (QaAction, error) {
	body := map[string]any{"passed": passed, "notes": notes}
	var resp QaAction
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(id)+"/reaudit", body, &resp)
	return resp, err
}

// CheckClosure validates without closing.
func (c *Client) CheckClosure(ctx context.Context, id string) (Closure, error) {
	var resp Closure
	err := c.do(ctx, http.MethodGet, "v0/actions/"+url.PathEscape(id)+"/closure", nil, &resp)
	return resp, err
}

// CloseAction closes the action. A blocked closure returns an *APIError
// with Code "closure_blocked".
func (c *Client) CloseAction(ctx context.Context, id string) (QaAction, Closure, error) {
	var resp struct {
		Action  QaAction `json:"action"`
		Closure Closure  `json:"closure"`
	}
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(id)+"/close", nil, &resp)
	return resp.Action, resp.Closure, err
}

// Escalations evaluates the escalation rules. With publish set the server
// also delivers them to its configured notifiers.
func (c *Client) Escalations(ctx context.Context, publish bool) ([]Escalation, error) {
	var resp struct {
		Items []Escalation `json:"items"`
	}
	method, endpoint := http.MethodGet, "v0/escalations"
	if publish {
		method, endpoint = http.MethodPost, "v0/escalations/scan"
	}
	err := c.do(ctx, method, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
