package server

import (
	"net/http"

	"github.com/markb/sbrealtime/internal/realtime"
)

// apiKeyMiddleware requires an anon or service API key and stores its role
// in the request context.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, ok := s.realtimeService.Authorize(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
			return
		}
		ctx := realtime.ContextWithRole(r.Context(), role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
