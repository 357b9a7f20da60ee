// Package authshim is a thin adapter representing the external auth
// collaborator: it verifies a bearer JWT with golang-jwt/jwt/v5 and
// extracts the user id claim, narrowed to the one claim this domain's
// HTTP layer needs.
package authshim

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atoms-tech/maice/internal/merr"
)

var ErrMissingToken = errors.New("authshim: missing bearer token")

type contextKey int

const userIDKey contextKey = iota

// Verifier validates a bearer token and returns its subject claim.
type Verifier struct {
	secret []byte
}

func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("authshim: unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", merr.NewAuth("invalid bearer token").WithOperation("authshim.parse")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", merr.NewAuth("malformed token claims").WithOperation("authshim.parse")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", merr.NewAuth("token missing subject claim").WithOperation("authshim.parse")
	}
	return sub, nil
}

// Middleware validates the Authorization header and stores the resolved
// user id in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := v.parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID extracts the resolved user id stashed by Middleware.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}
