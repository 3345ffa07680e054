package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func signToken(t *testing.T, key []byte, claims *Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func invoke(mw echo.MiddlewareFunc, authHeader string) (*httptest.ResponseRecorder, echo.Context) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, c
}

func TestJWTMiddlewareValidToken(t *testing.T) {
	key := []byte("secret")
	token := signToken(t, key, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"admin"},
	})

	rec, c := invoke(JWTMiddleware(JWTConfig{SigningKey: key}), "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "user-1" {
		t.Errorf("user = %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("roles = %v", roles)
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	key := []byte("secret")
	expired := signToken(t, key, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongKey := signToken(t, []byte("other"), &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.token"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
	}
	for _, tt := range tests {
		rec, _ := invoke(JWTMiddleware(JWTConfig{SigningKey: key}), tt.header)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tt.name, rec.Code)
		}
	}
}

func TestJWTMiddlewareIssuerAudience(t *testing.T) {
	key := []byte("secret")
	token := signToken(t, key, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "trialops",
			Audience:  jwt.ClaimStrings{"ptd"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	cfg := JWTConfig{SigningKey: key, Issuer: "trialops", Audience: "ptd"}
	rec, _ := invoke(JWTMiddleware(cfg), "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want issuer and audience accepted", rec.Code)
	}

	cfg.Issuer = "someone-else"
	rec, _ = invoke(JWTMiddleware(cfg), "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want wrong issuer rejected", rec.Code)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	rec, c := invoke(DevAuthMiddleware(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := UserIDFromContext(c.Request().Context()); got != "dev-user" {
		t.Errorf("user = %q, want dev default identity", got)
	}
}
