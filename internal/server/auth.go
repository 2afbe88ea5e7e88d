package server

import (
	"crypto/subtle"
	"net/http"
)

const apiKeyScheme = "ApiKey "

// requireAPIKey checks "Authorization: ApiKey <key>" when an API key is
// configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		want := []byte(apiKeyScheme + s.cfg.APIKey)
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
