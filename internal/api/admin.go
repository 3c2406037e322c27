package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Admin roles.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
)

const adminIssuer = "tidings"

// ErrUnknownRole is returned when minting a token for an unsupported role.
var ErrUnknownRole = errors.New("unknown role")

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth signs and checks HS256 admin bearer tokens.
type AdminAuth struct {
	secret []byte
	now    func() time.Time
}

// NewAdminAuth creates an AdminAuth. An empty secret returns nil, which
// disables the admin API.
func NewAdminAuth(secret string) *AdminAuth {
	if secret == "" {
		return nil
	}
	return &AdminAuth{secret: []byte(secret), now: time.Now}
}

// Mint returns a signed token for role valid for ttl.
func (a *AdminAuth) Mint(role string, ttl time.Duration) (string, error) {
	if role != RoleAdmin && role != RoleEditor {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   role,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

// Role validates raw and returns its role.
func (a *AdminAuth) Role(raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*adminClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token claims")
	}
	return claims.Role, nil
}

type roleKey struct{}

// RoleFrom returns the admin role stored on ctx by Require.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// Require allows the request only for a valid token carrying one of roles.
// A nil AdminAuth answers 503.
func (a *AdminAuth) Require(roles []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeJSONError(w, http.StatusServiceUnavailable, apiError{
				Error:    "The admin API is not configured.",
				Category: categoryConfiguration,
			})
			return
		}

		raw, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, apiError{Error: "Sign in required.", Category: categoryDenied})
			return
		}
		role, err := a.Role(raw)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, apiError{Error: "Session expired or invalid. Please sign in again.", Category: categoryDenied, Details: err.Error()})
			return
		}
		if !slices.Contains(roles, role) {
			writeJSONError(w, http.StatusForbidden, apiError{Error: "You do not have access to this page.", Category: categoryDenied, Reason: "role"})
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
	}
}
