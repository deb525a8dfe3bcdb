package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/automarket-api/internal/utils"
)

func newTestApp(jwtService *utils.JWTService) *fiber.App {
	app := fiber.New()

	protected := app.Group("/me")
	protected.Use(AuthMiddleware(jwtService))
	protected.Get("/", func(c fiber.Ctx) error {
		id, _ := UserID(c)
		return c.SendString(id.String())
	})

	admin := app.Group("/admin")
	admin.Use(AuthMiddleware(jwtService))
	admin.Use(AdminMiddleware())
	admin.Get("/", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestAuthMiddleware(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	app := newTestApp(jwtService)

	userID := uuid.NewString()
	token, err := jwtService.GenerateToken(userID, "user")
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Token " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAuthMiddlewareRejectsNonUUIDSubject(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	app := newTestApp(jwtService)

	token, err := jwtService.GenerateToken("42", "user")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminMiddleware(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	app := newTestApp(jwtService)

	for role, status := range map[string]int{"user": http.StatusForbidden, "admin": http.StatusNoContent} {
		token, err := jwtService.GenerateToken(uuid.NewString(), role)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode, role)
	}
}
