package api

import (
	"net/http"

	"github.com/rs/cors"
)

func newCORS(allowedOrigins []string) *cors.Cors {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPut,
			http.MethodPatch,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Quota-Limit", "X-Quota-Remaining", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         600,
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return s.cors.Handler(next)
}
