package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantStatus  int
		wantOrigin  string
		wantCreds   bool
		wantSession bool
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "http://editor.local", method: http.MethodGet, wantStatus: http.StatusTeapot, wantOrigin: "http://editor.local", wantSession: true},
		{name: "explicit origin gets credentials", allowed: []string{"http://editor.local"}, origin: "http://editor.local", method: http.MethodGet, wantStatus: http.StatusTeapot, wantOrigin: "http://editor.local", wantCreds: true, wantSession: true},
		{name: "unknown origin", allowed: []string{"http://editor.local"}, origin: "http://evil.local", method: http.MethodGet, wantStatus: http.StatusTeapot},
		{name: "preflight short-circuits", allowed: []string{"*"}, origin: "http://editor.local", method: http.MethodOptions, wantStatus: http.StatusOK, wantOrigin: "http://editor.local", wantSession: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/canvas", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("expected allow origin %q, got %q", tt.wantOrigin, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Fatalf("expected credentials %v, got %v", tt.wantCreds, got)
			}
			if got := strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Canvas-Session-ID"); got != tt.wantSession {
				t.Fatalf("expected session header allowed %v, got %v", tt.wantSession, got)
			}
		})
	}
}
