package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRequireAuthSetsSubject(t *testing.T) {
	auth := Authenticator{HMACSecret: []byte("s3cret")}
	var sender string
	h := RequireAuth(auth, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		sender, _ = Subject(r.Context())
	}))

	tok := signHS256(t, "s3cret", jwt.MapClaims{
		"sub": "minter",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || sender != "minter" {
		t.Fatalf("expected 200 with sender minter, got %d %q", rec.Code, sender)
	}
}

func TestRequireAuthRejects(t *testing.T) {
	auth := Authenticator{HMACSecret: []byte("s3cret")}
	h := RequireAuth(auth, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	cases := map[string]string{
		"missing":      "",
		"wrong secret": "Bearer " + signHS256(t, "other", jwt.MapClaims{"sub": "a", "exp": time.Now().Add(time.Minute).Unix()}),
		"expired":      "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{"sub": "a", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no exp":       "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{"sub": "a"}),
		"no sub":       "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()}),
	}
	for name, authz := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}
