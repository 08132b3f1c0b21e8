package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSActualRequests(t *testing.T) {
	tests := []struct {
		name            string
		allowed         []string
		origin          string
		wantOrigin      string
		wantCredentials string
	}{
		{"listed origin", []string{"http://localhost:5173", "http://wallboard.local"}, "http://wallboard.local", "http://wallboard.local", "true"},
		{"unlisted origin", []string{"http://localhost:5173"}, "http://evil.com", "", ""},
		{"wildcard", []string{"*"}, "http://anywhere.example", "*", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(okHandler()).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("expected Access-Control-Allow-Origin %q, got %q", tt.wantOrigin, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredentials {
				t.Errorf("expected Access-Control-Allow-Credentials %q, got %q", tt.wantCredentials, got)
			}
		})
	}
}

func TestCORSExposesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()

	CORS([]string{"http://localhost:5173"})(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-Id" {
		t.Errorf("expected X-Request-Id to be exposed, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	tests := []struct {
		method      string
		wantAllowed string
	}{
		{http.MethodPatch, http.MethodPatch},
		{http.MethodPost, http.MethodPost},
		{http.MethodDelete, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("preflight should not reach the handler")
			})
			req := httptest.NewRequest(http.MethodOptions, "/api/agents/a1/status", nil)
			req.Header.Set("Origin", "http://localhost:5173")
			req.Header.Set("Access-Control-Request-Method", tt.method)
			rec := httptest.NewRecorder()

			CORS([]string{"http://localhost:5173"})(handler).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Methods"); got != tt.wantAllowed {
				t.Errorf("expected Access-Control-Allow-Methods %q, got %q", tt.wantAllowed, got)
			}
		})
	}
}
