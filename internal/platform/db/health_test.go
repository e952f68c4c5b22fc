package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, h echo.HandlerFunc) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_NoPoolHealthy(t *testing.T) {
	code, body := runHealth(t, HealthHandler(nil, Check{Name: "redis", Ping: func(context.Context) error { return nil }}))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("expected no pool stats without a pool")
	}
}

func TestHealthHandler_FailingCheck(t *testing.T) {
	failing := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("dial tcp: refused") }}
	code, body := runHealth(t, HealthHandler(nil, failing))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["redis"] != "dial tcp: refused" {
		t.Errorf("unexpected check result %v", checks["redis"])
	}
}
