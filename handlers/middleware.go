package handlers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
	"github.com/syfpsy/nxyztask/services"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// TokenVerifier validates session tokens.
type TokenVerifier interface {
	VerifyJWT(token string) (*services.Claims, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Auth rejects requests without a valid bearer token. Browsers cannot set
// headers on websocket upgrades, so a token query parameter is accepted too.
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			authParts := strings.Split(authHeader, " ")
			if len(authParts) != 2 || authParts[0] != "Bearer" {
				writeError(w, r, fmt.Errorf("%w: invalid authorization format", models.ErrUnauthorized))
				return
			}
			tokenString = authParts[1]
		}
		if tokenString == "" {
			writeError(w, r, fmt.Errorf("%w: missing authorization header", models.ErrUnauthorized))
			return
		}

		claims, err := m.verifier.VerifyJWT(tokenString)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *services.Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*services.Claims)
	if claims == nil {
		return &services.Claims{}
	}
	return claims
}

func isAdmin(r *http.Request) bool {
	return claimsFrom(r).Role == models.RoleAdmin
}

func actorFrom(r *http.Request) models.Actor {
	return models.Actor{UserID: claimsFrom(r).UserID, Admin: isAdmin(r)}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the logger.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}
