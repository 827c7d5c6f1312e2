package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/qagent-go/internal/logging"
)

// authRealm is the realm advertised in WWW-Authenticate challenges.
const authRealm = `Bearer realm="qagent"`

// authMiddleware requires "Authorization: Bearer <apiKey>" on every request
// it wraps. The server mounts it on /api/ only, so probes and /metrics stay
// public. An empty apiKey disables the check (New warns once at startup).
//
// Tokens are compared as SHA-256 digests in constant time so neither the
// key's content nor its length leaks through timing. Rejections are JSON
// like every other API error; the presented token is never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := sha256.Sum256([]byte(apiKey))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w, r, authRealm, "authorization required", "missing bearer token")
			return
		}

		got := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			unauthorized(w, r, authRealm+` error="invalid_token"`, "invalid token", "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// unauthorized logs reason and writes a 401 with challenge and a JSON body.
func unauthorized(w http.ResponseWriter, r *http.Request, challenge, msg, reason string) {
	logging.FromContext(r.Context()).Warn("auth: request rejected",
		slog.String("reason", reason),
		slog.Bool("header_present", r.Header.Get("Authorization") != ""),
	)
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: msg})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
