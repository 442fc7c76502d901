package server

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret.
const SecretHeader = "X-Agentcore-Secret"

// requireSecret rejects requests without the shared secret. The stream also
// accepts it as a "token" query parameter since browsers cannot set headers
// on websocket handshakes.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next(w, r)
			return
		}
		provided := r.Header.Get(SecretHeader)
		if provided == "" {
			provided = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("ip", r.RemoteAddr).
				Msg("Rejected request with invalid secret")
			writeError(w, http.StatusUnauthorized, "invalid or missing secret")
			return
		}
		next(w, r)
	}
}
