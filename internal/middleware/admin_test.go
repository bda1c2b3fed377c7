package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/config"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedApp(cfg *config.Config) *fiber.App {
	app := fiber.New()
	app.Get("/me", JWTProtected(cfg), func(c *fiber.Ctx) error {
		caller, err := Caller(c)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.JSON(fiber.Map{"user_id": caller.UserID, "email": caller.Email})
	})
	app.Get("/admin", JWTProtected(cfg), AdminRequired(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func bearer(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func status(t *testing.T, app *fiber.App, path, authorization string, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestJWTProtected(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	app := protectedApp(cfg)
	userID := uuid.New()

	assert.Equal(t, http.StatusOK, status(t, app, "/me", bearer(t, "secret", jwt.MapClaims{"sub": userID.String()}), nil))
	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/me", "", nil))
	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/me", bearer(t, "other", jwt.MapClaims{"sub": userID.String()}), nil))
	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/me", bearer(t, "secret", jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(-time.Minute).Unix(),
	}), nil))
	// Valid signature but the subject is not a user id.
	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/me", bearer(t, "secret", jwt.MapClaims{"sub": "apple|123"}), nil))
}

func TestAdminRequired(t *testing.T) {
	adminID := uuid.New()
	cfg := &config.Config{
		JWTSecret:    "secret",
		AdminEmails:  "Ops@Example.com, finance@example.com",
		AdminUserIDs: adminID.String(),
		AdminToken:   "s3cret-token",
	}
	app := protectedApp(cfg)

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		headers map[string]string
		want    int
	}{
		{"admin by email", jwt.MapClaims{"sub": uuid.NewString(), "email": "ops@example.com"}, nil, http.StatusNoContent},
		{"admin by user id", jwt.MapClaims{"sub": adminID.String()}, nil, http.StatusNoContent},
		{"admin token", jwt.MapClaims{"sub": uuid.NewString()}, map[string]string{"X-Admin-Token": "s3cret-token"}, http.StatusNoContent},
		{"wrong admin token", jwt.MapClaims{"sub": uuid.NewString()}, map[string]string{"X-Admin-Token": "guess"}, http.StatusForbidden},
		{"regular user", jwt.MapClaims{"sub": uuid.NewString(), "email": "user@example.com"}, nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status(t, app, "/admin", bearer(t, "secret", tt.claims), tt.headers))
		})
	}
}

func TestParseCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseCSV(" a, ,b "))
	assert.Nil(t, parseCSV(""))
}
