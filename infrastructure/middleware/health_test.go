package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckerAllPassing(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	h.RegisterCheck("database", func() error { return nil })
	h.RegisterCheck("rpc", func() error { return nil })

	status := h.Evaluate()
	if status.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
	if status.Checks["database"] != "ok" || status.Checks["rpc"] != "ok" {
		t.Errorf("Checks = %v, want all ok", status.Checks)
	}
}

func TestHealthCheckerDegraded(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	h.RegisterCheck("database", func() error { return nil })
	h.RegisterCheck("rpc", func() error { return errors.New("no healthy endpoints") })

	status := h.Evaluate()
	if status.Status != "degraded" {
		t.Errorf("Status = %s, want degraded", status.Status)
	}
	if status.Checks["rpc"] != "no healthy endpoints" {
		t.Errorf("Checks[rpc] = %s, want failure message", status.Checks["rpc"])
	}
}

func TestHealthCheckerUnhealthy(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	h.RegisterCheck("database", func() error { return errors.New("down") })

	status := h.Evaluate()
	if status.Status != "unhealthy" {
		t.Errorf("Status = %s, want unhealthy", status.Status)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		check    func() error
		wantCode int
	}{
		{name: "healthy returns 200", check: func() error { return nil }, wantCode: http.StatusOK},
		{name: "unhealthy returns 503", check: func() error { return errors.New("down") }, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("1.0.0")
			h.RegisterCheck("only", tt.check)

			rec := httptest.NewRecorder()
			h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			var status HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if status.Timestamp == "" {
				t.Error("Timestamp missing from response")
			}
		})
	}
}
