package mw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKeyType string

const subjectKey subjectKeyType = "sub"

var errMissingBearer = errors.New("missing bearer token")

type AuthHandler interface {
	ValidateBearer(r *http.Request) (string, error)
}

// Authenticator verifies HS256 bearer tokens. The "sub" claim becomes the
// sender identity carried to the origin.
type Authenticator struct {
	HMACSecret []byte
}

func (a Authenticator) ValidateBearer(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return "", errMissingBearer
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(token *jwt.Token) (any, error) {
		return a.HMACSecret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return "", errors.New("invalid token")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

// RequireAuth rejects requests without a valid bearer token and puts the
// token subject in the request context.
func RequireAuth(auth AuthHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := auth.ValidateBearer(r)
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{
				"error": "unauthorized",
			})
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok && v != ""
}
