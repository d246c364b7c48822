// Package testutil provides common test helpers for OutreachPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the API envelope and validates its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body any) *http.Request {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SeedAgent stores a proactive setter agent in dry-run mode, after applying mutate.
func SeedAgent(t testing.TB, st store.AgentConfigStore, id string, mutate func(*models.AgentConfig)) *models.AgentConfig {
	t.Helper()
	a := &models.AgentConfig{
		ID:                id,
		ConsultantID:      "c1",
		AgentName:         "Setter",
		AgentType:         models.AgentTypeProactiveSetter,
		DefaultObjectives: "grow revenue",
		OpeningTemplateID: "HXopen",
		DryRun:            true,
	}
	if mutate != nil {
		mutate(a)
	}
	if err := st.SaveAgentConfig(context.Background(), a); err != nil {
		t.Fatalf("failed to seed agent %s: %v", id, err)
	}
	return a
}

// SeedLead stores a pending lead due a minute ago, after applying mutate.
func SeedLead(t testing.TB, st store.LeadStore, id, agentID string, mutate func(*models.Lead)) *models.Lead {
	t.Helper()
	l := &models.Lead{
		ID:              id,
		ConsultantID:    "c1",
		AgentConfigID:   agentID,
		FirstName:       "Anna",
		PhoneNumber:     "+393331234567",
		ContactSchedule: time.Now().Add(-time.Minute),
	}
	if mutate != nil {
		mutate(l)
	}
	if err := st.InsertLead(context.Background(), l); err != nil {
		t.Fatalf("failed to seed lead %s: %v", id, err)
	}
	return l
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
