package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const operatorAudience = "captionstream-admin"

// OperatorClaims identify someone allowed to inspect sessions.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

type contextKey string

const operatorContextKey contextKey = "operator"

// IssueOperatorToken signs a diagnostics token for subject.
func IssueOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("operator secret not configured")
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{operatorAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// withOperator requires a bearer operator token when an admin secret is
// configured. Without one the diagnostics endpoints are open.
func (r *Router) withOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.AdminJWTSecret == "" {
			next.ServeHTTP(w, req)
			return
		}

		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, `{"error": "invalid authorization format"}`, http.StatusUnauthorized)
			return
		}

		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(operatorAudience),
			jwt.WithExpirationRequired(),
		)
		token, err := parser.ParseWithClaims(parts[1], &OperatorClaims{}, func(*jwt.Token) (interface{}, error) {
			return []byte(r.cfg.AdminJWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*OperatorClaims)
		if !ok || claims.Subject == "" {
			http.Error(w, `{"error": "invalid token claims"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(req.Context(), operatorContextKey, claims.Subject)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// operatorFrom returns the authenticated operator, if any.
func operatorFrom(ctx context.Context) string {
	s, _ := ctx.Value(operatorContextKey).(string)
	return s
}
