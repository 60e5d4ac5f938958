package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash to configure for an instructor API key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// requireAPIKey checks the bearer token against the configured key hash.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.apiKeyHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			h.writeError(w, r, errUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword(h.apiKeyHash, []byte(key)); err != nil {
			slog.Warn("rejected API key", "path", r.URL.Path, "remote", r.RemoteAddr)
			h.writeError(w, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
