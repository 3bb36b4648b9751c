package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// jwtAuth validates an HS256 bearer token against the configured shared
// secret. It protects the /api/v1 and /ws/v1 trees when auth is enabled.
func (s *Server) jwtAuth(next http.Handler) http.Handler {
	secret := []byte(s.cfg.Auth.JWTSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.respondError(w, http.StatusUnauthorized, "Authorization header must be a bearer token")
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.logger.Debug("Rejected bearer token.", zap.Error(err))
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
