package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	id "kyc-gateway/pkg/domain"
	"kyc-gateway/pkg/requestcontext"
)

// JWTValidator defines the interface for validating bearer tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims the middleware expects from the validator.
type JWTClaims struct {
	UserID string
	Role   string
}

// RequireAuth validates the bearer token and stores the authenticated user ID
// in context. Requests without a valid token get 401 before any handler runs.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, validator, logger)
			if !ok {
				return
			}
			userID, err := id.ParseUserID(claims.UserID)
			if err != nil {
				unauthorized(w, r, logger, "token subject is not a valid user id")
				return
			}
			ctx := requestcontext.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin validates the bearer token and additionally requires the admin
// role. The operator identity lands in context for audit attribution.
func RequireAdmin(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, validator, logger)
			if !ok {
				return
			}
			if claims.Role != "admin" {
				logger.WarnContext(r.Context(), "forbidden - admin role required",
					"request_id", requestcontext.RequestID(r.Context()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"security_error"}`))
				return
			}
			ctx := requestcontext.WithActorID(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(w http.ResponseWriter, r *http.Request, validator JWTValidator, logger *slog.Logger) (*JWTClaims, bool) {
	authHeader := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		unauthorized(w, r, logger, "missing or malformed Authorization header")
		return nil, false
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		unauthorized(w, r, logger, "invalid or expired token")
		return nil, false
	}
	return claims, true
}

func unauthorized(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string) {
	logger.WarnContext(r.Context(), "unauthorized access",
		"reason", reason,
		"request_id", requestcontext.RequestID(r.Context()),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
