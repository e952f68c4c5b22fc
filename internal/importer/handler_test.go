package importer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestAPI(h *harness) *echo.Echo {
	e := echo.New()
	NewHandler(h.orch).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_StartAndFetchResult(t *testing.T) {
	h := newHarness(t, []string{"Condition"})
	h.server.set("Condition", conditionJSON("c1", "Asthma", "2020-01-01", "2024-01-01T00:00:00Z"))
	e := newTestAPI(h)

	rec := doJSON(e, http.MethodPost, "/api/v1/connections/"+h.conn.ID.String()+"/imports", `{"full":true,"resource_types":["Condition"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatal(err)
	}
	runID, err := uuid.Parse(started["run_id"])
	if err != nil {
		t.Fatalf("invalid run id %q", started["run_id"])
	}
	if _, err := h.orch.Wait(context.Background(), runID); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/imports/"+runID.String()+"/result", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || !res.Full || res.ImportedCounts["Condition"] != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/connections/"+h.conn.ID.String()+"/imports", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), runID.String()) {
		t.Errorf("expected the run listed, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/imports/"+runID.String()+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling a finished run, got %d", rec.Code)
	}
}

func TestHandler_StartValidation(t *testing.T) {
	h := newHarness(t, []string{"Condition"})
	e := newTestAPI(h)

	if rec := doJSON(e, http.MethodPost, "/api/v1/connections/not-a-uuid/imports", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/v1/connections/"+h.conn.ID.String()+"/imports", `{"resource_types":["Encounter"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown type, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/v1/imports/"+uuid.NewString()+"/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 cancelling an unknown run, got %d", rec.Code)
	}
}
