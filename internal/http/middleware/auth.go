// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves who is calling. Operators authenticate with an HS256
// bearer token whose subject is the operator id; in development, when no
// signing key is configured, the X-Operator-ID header is trusted instead.
// Visitors are anonymous and identified only by the optional X-Visitor-ID
// header, which scopes idempotency keys and rate limits.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderOperatorID   = "X-Operator-ID"
	HeaderOperatorName = "X-Operator-Name"
	HeaderVisitorID    = "X-Visitor-ID"

	ctxKeyOperatorID   = "operatorID"
	ctxKeyOperatorName = "operatorName"

	// tokenQueryParam carries the bearer token on websocket upgrades, where
	// browsers cannot set headers.
	tokenQueryParam = "access_token"
)

var errNoSecret = errors.New("token auth is not configured")

// OperatorClaims is the JWT payload of an operator token.
type OperatorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthOptions configures Authenticate.
type AuthOptions struct {
	// Secret is the HS256 key. Empty enables header identity (development).
	Secret []byte
}

// Authenticate resolves the operator identity when one is presented and
// stores it in the context. Requests without credentials pass through as
// visitors; RequireOperator guards the operator routes. A presented but
// invalid token is rejected with 401.
func Authenticate(opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := bearerToken(c); raw != "" {
			claims, err := ParseOperatorToken(opts.Secret, raw)
			if err != nil {
				abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid operator token")
				return
			}
			setOperator(c, claims.Subject, claims.Name)
			c.Next()
			return
		}
		if len(opts.Secret) == 0 {
			if id := strings.TrimSpace(c.GetHeader(HeaderOperatorID)); id != "" {
				setOperator(c, id, strings.TrimSpace(c.GetHeader(HeaderOperatorName)))
			}
		}
		c.Next()
	}
}

// RequireOperator rejects requests without an authenticated operator.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := OperatorFrom(c); !ok {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "operator credentials required")
			return
		}
		c.Next()
	}
}

// OperatorFrom returns the authenticated operator, if any.
func OperatorFrom(c *gin.Context) (id, name string, ok bool) {
	id = c.GetString(ctxKeyOperatorID)
	if id == "" {
		return "", "", false
	}
	return id, c.GetString(ctxKeyOperatorName), true
}

// ActorID names the caller for idempotency scoping and rate limiting:
// "op:<id>" for operators, "visitor:<id>" for identified visitors and
// "visitor" otherwise.
func ActorID(c *gin.Context) string {
	if id, _, ok := OperatorFrom(c); ok {
		return "op:" + id
	}
	if c.Request != nil {
		if v := strings.TrimSpace(c.GetHeader(HeaderVisitorID)); v != "" {
			return "visitor:" + v
		}
	}
	return "visitor"
}

// IssueOperatorToken signs a token for operatorID valid for ttl.
func IssueOperatorToken(secret []byte, operatorID, name string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errNoSecret
	}
	now := time.Now()
	claims := OperatorClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseOperatorToken verifies an HS256 token and returns its claims. The
// subject (operator id) is required.
func ParseOperatorToken(secret []byte, raw string) (*OperatorClaims, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}
	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(c.Query(tokenQueryParam))
}

func setOperator(c *gin.Context, id, name string) {
	c.Set(ctxKeyOperatorID, id)
	c.Set(ctxKeyOperatorName, name)
}

// abortJSON writes the shared error envelope from inside middleware, which
// cannot import the handlers package.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
