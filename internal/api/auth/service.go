// Package auth holds the two caller checks of the api-service: end-user
// bearer tokens on the public API and the shared service credential on the
// internal API.
package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServiceTokenHeader carries the shared service credential
const ServiceTokenHeader = "X-Service-Token"

var (
	// ErrMissingCredential is returned when no credential was presented
	ErrMissingCredential = errors.New("no token provided")

	// ErrInvalidCredential is returned when the credential does not match
	ErrInvalidCredential = errors.New("invalid token")
)

// Authorizer decides whether a presented service credential may call the internal API
type Authorizer interface {
	Authorize(credential string) error
}

// StaticTokenAuthorizer compares against one pre-shared secret
type StaticTokenAuthorizer struct {
	secret []byte
}

func NewStaticTokenAuthorizer(secret string) *StaticTokenAuthorizer {
	return &StaticTokenAuthorizer{secret: []byte(secret)}
}

// Authorize compares in constant time. An empty configured secret rejects everything.
func (a *StaticTokenAuthorizer) Authorize(credential string) error {
	if credential == "" {
		return ErrMissingCredential
	}
	if len(a.secret) == 0 || subtle.ConstantTimeCompare([]byte(credential), a.secret) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// ServiceAuthMiddleware guards the internal routes. User bearer tokens are
// never looked at here.
func ServiceAuthMiddleware(authorizer Authorizer, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := authorizer.Authorize(c.GetHeader(ServiceTokenHeader))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, ErrMissingCredential):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No token provided"})
		default:
			logger.Warn("Rejected internal request",
				slog.String("path", c.Request.URL.Path),
				slog.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
		}
	}
}
