package closeloopsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCaseSendsActor(t *testing.T) {
	var gotActor string
	var gotBody NewCase
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/cases", r.URL.Path)
		gotActor = r.Header.Get("X-Actor-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"case_id":   "CASE-2026-ABCDEF12",
			"qa_action": map[string]any{"id": "qa-1", "case_id": "CASE-2026-ABCDEF12", "status": "open"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "nurse-1")
	got, err := c.CreateCase(context.Background(), NewCase{FindingLabel: "Door propped", Severity: "low"})
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", gotActor)
	assert.Equal(t, "Door propped", gotBody.FindingLabel)
	assert.Equal(t, "CASE-2026-ABCDEF12", got.CaseID)
	assert.Equal(t, "qa-1", got.QaAction.ID)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"closure_blocked","message":"action qa-1 cannot be closed","details":{"errors":["x"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "nurse-1")
	c.BearerToken = "tok"
	_, _, err := c.CloseAction(context.Background(), "qa-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "closure_blocked", apiErr.Code)
	assert.Equal(t, []any{"x"}, apiErr.Details["errors"])
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(PaginatedEvents{Items: []Event{{ID: 41, Type: "case.created"}}, NextCursor: "41"})
	}))
	defer srv.Close()

	page, err := New(srv.URL, "a").EventsPage(context.Background(), 5, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "41", page.NextCursor)
}
