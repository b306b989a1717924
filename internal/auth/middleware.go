// Package auth provides the REST control plane's bearer-JWT authentication,
// trimmed from the teacher's multi-method (basic/client-secret/JWT) auth
// service down to the single HS256 bearer scheme the spec's control plane
// needs (see SPEC_FULL.md's server section and DESIGN.md for the trim
// rationale).
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Claims is the JWT payload issued for the control plane.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Middleware verifies bearer JWTs signed with a shared HMAC secret. A zero
// value (empty secret) disables authentication entirely, matching
// ServerConfig.AuthSecret's "" meaning "no auth required" default.
type Middleware struct {
	secret []byte
}

// New builds a Middleware for the given secret. An empty secret disables
// authentication.
func New(secret string) *Middleware {
	return &Middleware{secret: []byte(secret)}
}

// Enabled reports whether the middleware will enforce authentication.
func (m *Middleware) Enabled() bool { return len(m.secret) > 0 }

// IssueToken signs a bearer token for subject, valid for ttl.
func (m *Middleware) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Middleware) verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GinAuth is Gin middleware enforcing the bearer JWT on every route it
// guards. A no-op when the middleware is disabled.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
			c.Abort()
			return
		}
		claims, err := m.verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
			c.Abort()
			return
		}
		c.Set("auth_subject", claims.Subject)
		c.Next()
	}
}
