package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// OwnerHeader carries the caller identity. It is set by the authenticating
// proxy in front of the broker and trusted as is.
const OwnerHeader = "X-Owner-ID"

// maxOwnerLen bounds the owner id.
const maxOwnerLen = 256

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireOwner rejects requests without a usable owner id and stores it in
// the request context.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Owner identity required"})
			return
		}
		if len(owner) > maxOwnerLen || strings.IndexFunc(owner, unicode.IsControl) >= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid owner identity"})
			return
		}
		next.ServeHTTP(w, WithOwner(r, owner))
	})
}

// GetOwner returns the owner id set by RequireOwner, or "".
func GetOwner(r *http.Request) string {
	owner, _ := r.Context().Value(ownerContextKey).(string)
	return owner
}

// WithOwner attaches an owner id to the request context.
func WithOwner(r *http.Request, owner string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ownerContextKey, owner))
}
