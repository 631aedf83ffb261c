package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// =============================================================================
// Basic Auth Middleware Tests
// =============================================================================

func TestBasicAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		password   string
		setAuth    func(r *http.Request)
		wantStatus int
	}{
		{
			name:       "valid credentials",
			username:   "admin",
			password:   "secret123",
			setAuth:    func(r *http.Request) { r.SetBasicAuth("admin", "secret123") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "no credentials",
			username:   "admin",
			password:   "secret123",
			setAuth:    func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong username",
			username:   "admin",
			password:   "secret123",
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "secret123") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong password",
			username:   "admin",
			password:   "secret123",
			setAuth:    func(r *http.Request) { r.SetBasicAuth("admin", "secret") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed header",
			username:   "admin",
			password:   "secret123",
			setAuth:    func(r *http.Request) { r.Header.Set("Authorization", "Basic !!!notbase64") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "disabled when unconfigured",
			setAuth:    func(r *http.Request) {},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewBasicAuthMiddleware("metrics", tt.username, tt.password)
			handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/metrics", nil)
			tt.setAuth(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="metrics"` {
					t.Errorf("WWW-Authenticate = %q", got)
				}
			}
		})
	}
}

func TestBasicAuthMiddleware_Enabled(t *testing.T) {
	if NewBasicAuthMiddleware("metrics", "", "").Enabled() {
		t.Error("expected auth to be disabled without credentials")
	}
	if !NewBasicAuthMiddleware("metrics", "admin", "").Enabled() {
		t.Error("expected auth to be enabled with a username")
	}
}
