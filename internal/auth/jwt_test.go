package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/riderlink/internal/auth"
)

func sign(t *testing.T, secret string, claims auth.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestIdentityFromToken(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0).UTC()
	token := sign(t, "whatever", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "rider-42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}})

	id, err := auth.IdentityFromToken(token)
	require.NoError(t, err)
	require.Equal(t, "rider-42", id.RiderID)
	require.True(t, id.ExpiresAt.Equal(exp))
	require.False(t, id.Expired(exp.Add(-time.Second)))
	require.True(t, id.Expired(exp))
}

func TestIdentityFromTokenRejectsGarbage(t *testing.T) {
	_, err := auth.IdentityFromToken("not-a-jwt")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = auth.IdentityFromToken(sign(t, "s", auth.Claims{}))
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	var seen string
	handler := auth.Middleware("secret", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.RiderFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "wrong", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "r1"}}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "secret", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "r1"}}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "r1", seen)
}

func TestMiddlewareWithoutSecretUsesFallbackRider(t *testing.T) {
	var seen string
	handler := auth.Middleware("", "rider-local")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.RiderFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "rider-local", seen)
}
