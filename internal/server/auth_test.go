package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// authRequest sends a request to h with the given Authorization header.
func authRequest(h http.Handler, method, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// TestAuthMiddleware_Disabled verifies that with no API key configured every
// request reaches the handler, generation included.
func TestAuthMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	h := authMiddleware("", okHandler)
	for _, path := range []string{"/api/kb/stats", "/api/testcases"} {
		if w := authRequest(h, http.MethodGet, path, ""); w.Code != http.StatusOK {
			t.Errorf("%s: expected 200 when auth disabled, got %d", path, w.Code)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	const key = "s3cret-qagent-key"
	cases := []struct {
		name          string
		header        string
		wantStatus    int
		wantChallenge string
		wantError     string
	}{
		{"missing header", "", http.StatusUnauthorized, authRealm, "authorization required"},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, authRealm, "authorization required"},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized, authRealm + ` error="invalid_token"`, "invalid token"},
		{"key prefix", "Bearer s3cret", http.StatusUnauthorized, authRealm + ` error="invalid_token"`, "invalid token"},
		{"key with suffix", "Bearer " + key + "x", http.StatusUnauthorized, authRealm + ` error="invalid_token"`, "invalid token"},
		{"correct token", "Bearer " + key, http.StatusOK, "", ""},
		{"lowercase scheme", "bearer " + key, http.StatusOK, "", ""},
	}

	h := authMiddleware(key, okHandler)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := authRequest(h, http.MethodPost, "/api/script", tc.header)

			if w.Code != tc.wantStatus {
				t.Fatalf("status: got %d, want %d", w.Code, tc.wantStatus)
			}
			if got := w.Header().Get("WWW-Authenticate"); got != tc.wantChallenge {
				t.Errorf("WWW-Authenticate: got %q, want %q", got, tc.wantChallenge)
			}
			if tc.wantError == "" {
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type: got %q, want application/json", ct)
			}
			if resp := decode[errorResponse](t, w); resp.Error != tc.wantError {
				t.Errorf("error body: got %q, want %q", resp.Error, tc.wantError)
			}
		})
	}
}

// TestBearerToken verifies the bearerToken extraction helper.
func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
		{"token only", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("header=%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}

// TestRoutes_RateLimitRunsAfterAuth verifies that unauthenticated requests
// are rejected before they can drain a client's generation bucket.
func TestRoutes_RateLimitRunsAfterAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(_ *Deps, cfg *Config) {
		cfg.APIKey = "secret"
		cfg.GenerationRateLimit = 0.001
		cfg.GenerationRateBurst = 1
	})

	for range 3 {
		if w := ts.do(jsonRequest(http.MethodPost, "/api/testcases", testCasesRequest{Query: "q"})); w.Code != http.StatusUnauthorized {
			t.Fatalf("unauthenticated: expected 401, got %d", w.Code)
		}
	}

	req := jsonRequest(http.MethodPost, "/api/testcases", testCasesRequest{Query: "q"})
	req.Header.Set("Authorization", "Bearer secret")
	if w := ts.do(req); w.Code != http.StatusOK {
		t.Errorf("authenticated after rejected attempts: expected 200, got %d", w.Code)
	}
}
