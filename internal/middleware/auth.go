package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/gofiber/fiber/v2"
)

// TokenCookie is set by browsers after the initial ?token= handoff.
const TokenCookie = "banana_token"

var (
	ErrNoSecret     = errors.New("auth secret not configured")
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("invalid token signature")
	ErrTokenExpired = errors.New("token expired")
)

// tokenHeader is the fixed base64url header of every HS256 token.
var tokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

type Claims struct {
	Source    string `json:"source"` // "cli" or "browser"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type AuthMiddleware struct {
	secret []byte
	now    func() time.Time
}

// NewAuthMiddleware returns nil when secret is empty, which disables auth.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// RequireAuth rejects requests without a valid token. The health check stays open.
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}

	if c.Path() == "/v1/health" {
		return c.Next()
	}

	token := am.extractToken(c)
	if token == "" {
		return unauthorized(c, "authentication required")
	}

	claims, err := am.ValidateToken(token)
	if err != nil {
		logger.Debugf("🔒 Auth failed for %s: %v", c.Path(), err)
		return unauthorized(c, err.Error())
	}

	if c.Query("token") != "" && c.Cookies(TokenCookie) == "" {
		c.Cookie(&fiber.Cookie{
			Name:     TokenCookie,
			Value:    token,
			HTTPOnly: true,
			SameSite: "Strict",
			Expires:  time.Unix(claims.ExpiresAt, 0),
		})
	}

	c.Locals("claims", claims)
	return c.Next()
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": msg})
}

func (am *AuthMiddleware) extractToken(c *fiber.Ctx) string {
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.Fields(authHeader)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}

	if cookie := c.Cookies(TokenCookie); cookie != "" {
		return cookie
	}

	// WebSocket clients in the browser cannot set headers.
	return c.Query("token")
}

// ValidateToken checks the signature and expiry of an HS256 token.
func (am *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 || parts[0] != tokenHeader {
		return nil, ErrMalformed
	}
	signed, sig := parts[1], parts[2]
	if !hmac.Equal([]byte(sign(am.secret, tokenHeader+"."+signed)), []byte(sig)) {
		return nil, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if am.now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// GenerateToken issues a token for source valid for duration.
func GenerateToken(secret, source string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := Claims{
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signingInput + "." + sign([]byte(secret), signingInput), nil
}

func sign(secret []byte, input string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
