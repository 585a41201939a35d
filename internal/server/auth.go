package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// BearerAuth returns middleware that accepts requests whose bearer token
// matches the bcrypt hash. An empty hash rejects everything. The last
// accepted token is remembered so steady traffic does not pay the bcrypt
// cost on every request.
func BearerAuth(hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	var accepted atomic.Pointer[string]

	verify := func(token string) bool {
		if hash == "" || token == "" {
			return false
		}

		if last := accepted.Load(); last != nil && subtle.ConstantTimeCompare([]byte(*last), []byte(token)) == 1 {
			return true
		}

		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			return false
		}

		accepted.Store(&token)

		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !verify(strings.TrimPrefix(authHeader, "Bearer ")) {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
