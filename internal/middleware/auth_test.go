package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthApp(secret string) *fiber.App {
	app := fiber.New()
	app.Use(NewAuthMiddleware(secret).RequireAuth)
	app.Get("/v1/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/v1/session", func(c *fiber.Ctx) error { return c.SendString("secret stuff") })
	return app
}

func TestRequireAuth_Disabled(t *testing.T) {
	assert.Nil(t, NewAuthMiddleware(""))

	app := newAuthApp("")
	resp, err := app.Test(httptest.NewRequest("GET", "/v1/session", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestRequireAuth(t *testing.T) {
	app := newAuthApp("topsecret")
	token, err := GenerateToken("topsecret", "cli", time.Hour)
	require.NoError(t, err)

	t.Run("health is open", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/health", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/session", nil))
		require.NoError(t, err)
		assert.Equal(t, 401, resp.StatusCode)
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/session", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	})

	t.Run("query token sets cookie", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/session?token="+token, nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Set-Cookie"), TokenCookie+"=")
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := GenerateToken("different", "cli", time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest("GET", "/v1/session", nil)
		req.Header.Set("Authorization", "Bearer "+other)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, 401, resp.StatusCode)
	})
}

func TestValidateToken_Expired(t *testing.T) {
	am := NewAuthMiddleware("topsecret")
	token, err := GenerateToken("topsecret", "browser", time.Minute)
	require.NoError(t, err)

	claims, err := am.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "browser", claims.Source)

	_, err = NewAuthMiddleware("other").ValidateToken(token)
	assert.ErrorIs(t, err, ErrBadSignature)

	am.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = am.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = am.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGenerateToken_NoSecret(t *testing.T) {
	_, err := GenerateToken("", "cli", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}
