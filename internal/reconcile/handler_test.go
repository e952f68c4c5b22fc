package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func openConflict(t *testing.T) (*Handler, *PendingChange) {
	t.Helper()
	rec, records, _ := newTestReconciler()
	created := seed(t, rec, condition("c1", "Asthma", t0))
	lastSync := t0.Add(time.Minute)
	editLocally(t, records, created.ID, "Asthma (patient note)", t0.Add(time.Hour))
	out, err := rec.Apply(context.Background(), state(PolicyManual), &lastSync, uuid.New(),
		condition("c1", "Asthma, severe", t0.Add(2*time.Hour)))
	if err != nil || out.Change == nil {
		t.Fatalf("expected open conflict, got %+v %v", out, err)
	}
	svc := NewService(rec, NewMemoryStateStore(), PolicyServerWins)
	return NewHandler(svc), out.Change
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func resolveRequestFor(e *echo.Echo, id, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestHandler_ResolveChange(t *testing.T) {
	h, change := openConflict(t)
	e := echo.New()

	c, rec := resolveRequestFor(e, change.ID.String(), `{"resolution":"local"}`)
	if err := h.ResolveChange(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out PendingChange
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Resolved || out.Resolution != ResolutionLocal {
		t.Errorf("unexpected change %+v", out)
	}

	c, _ = resolveRequestFor(e, change.ID.String(), `{"resolution":"server"}`)
	if code := httpStatus(t, h.ResolveChange(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for a resolved change, got %d", code)
	}
}

func TestHandler_ResolveChange_Errors(t *testing.T) {
	h, change := openConflict(t)
	e := echo.New()

	c, _ := resolveRequestFor(e, uuid.NewString(), `{"resolution":"server"}`)
	if code := httpStatus(t, h.ResolveChange(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	c, _ = resolveRequestFor(e, change.ID.String(), `{"resolution":"both"}`)
	if code := httpStatus(t, h.ResolveChange(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	c, _ = resolveRequestFor(e, "nope", `{"resolution":"server"}`)
	if code := httpStatus(t, h.ResolveChange(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListChanges_OpenOnly(t *testing.T) {
	h, change := openConflict(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?resolved=false&connection_id="+testConn.String(), nil)
	rec := httptest.NewRecorder()
	if err := h.ListChanges(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Data  []PendingChange `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || len(out.Data) != 1 || out.Data[0].ID != change.ID {
		t.Errorf("unexpected list %+v", out)
	}

	req = httptest.NewRequest(http.MethodGet, "/?resolved=maybe", nil)
	if code := httpStatus(t, h.ListChanges(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_UpdateState(t *testing.T) {
	h, _ := openConflict(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"conflict_resolution":"client-wins"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(testConn.String())
	if err := h.UpdateState(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, err := h.svc.State(context.Background(), testConn)
	if err != nil || st.ConflictResolution != PolicyClientWins {
		t.Errorf("expected client-wins stored, got %+v %v", st, err)
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"conflict_resolution":"newest"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(testConn.String())
	if code := httpStatus(t, h.UpdateState(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}
