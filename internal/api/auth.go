package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var (
	// ErrInvalidToken is returned when a presented token fails
	// signature or claim validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token is well-formed but past
	// its expiry.
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the JWT claims this service consumes. UserID names the
// principal used for per-user event routing.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ValidateToken parses and verifies an HMAC-signed JWT and returns its
// claims.
func ValidateToken(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// principal resolves the identity behind a request. Tokens arrive as a
// Bearer header or, for WebSocket clients that cannot set headers, as a
// ?token= query parameter. A missing token yields the anonymous
// principal; a present but invalid one is an error.
func (s *Server) principal(c echo.Context) (string, error) {
	raw := ""
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if q := c.QueryParam("token"); q != "" {
		raw = q
	}

	if raw == "" || s.authSecret == nil {
		return "anonymous", nil
	}

	claims, err := ValidateToken(raw, s.authSecret)
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "anonymous", nil
	}
	return claims.UserID, nil
}
