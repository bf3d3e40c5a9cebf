package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fixedCheck(status, msg string) ReadinessChecker {
	return CheckFunc(func() (string, string) { return status, msg })
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler()
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус: хотели 200, получили %d", rec.Code)
	}
	var resp healthLiveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Ошибка разбора: %v", err)
	}
	if resp.Status != statusOK || resp.Service != serviceName {
		t.Errorf("ответ: %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []NamedCheck
		wantStatus int
		wantResult string
	}{
		{
			name: "все ok",
			checks: []NamedCheck{
				{Name: "blobs", Checker: fixedCheck(statusOK, "")},
				{Name: "links", Checker: fixedCheck(statusOK, "")},
			},
			wantStatus: http.StatusOK,
			wantResult: statusOK,
		},
		{
			name: "degraded",
			checks: []NamedCheck{
				{Name: "blobs", Checker: fixedCheck(statusOK, "")},
				{Name: "wal", Checker: fixedCheck(statusDegraded, "медленно")},
			},
			wantStatus: http.StatusOK,
			wantResult: statusDegraded,
		},
		{
			name: "fail",
			checks: []NamedCheck{
				{Name: "links", Checker: fixedCheck(statusFail, "нет соединения")},
				{Name: "wal", Checker: fixedCheck(statusDegraded, "")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantResult: statusFail,
		},
		{
			name:       "не инициализирован",
			checks:     []NamedCheck{{Name: "links"}},
			wantStatus: http.StatusServiceUnavailable,
			wantResult: statusFail,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks...)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("статус: хотели %d, получили %d", tt.wantStatus, rec.Code)
			}
			var resp healthReadyResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Ошибка разбора: %v", err)
			}
			if resp.Status != tt.wantResult {
				t.Errorf("status: хотели %s, получили %s", tt.wantResult, resp.Status)
			}
			if len(resp.Checks) != len(tt.checks) {
				t.Errorf("проверок: хотели %d, получили %d", len(tt.checks), len(resp.Checks))
			}
		})
	}
}

func TestCheckNames(t *testing.T) {
	h := NewHealthHandler(NamedCheck{Name: "wal"}, NamedCheck{Name: "blobs"})
	names := h.CheckNames()
	if len(names) != 2 || names[0] != "blobs" || names[1] != "wal" {
		t.Errorf("получили %v", names)
	}
}

func TestGetMetrics(t *testing.T) {
	h := NewHealthHandler()
	rec := httptest.NewRecorder()
	h.GetMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус: хотели 200, получили %d", rec.Code)
	}
}
