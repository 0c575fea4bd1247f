package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// userContextKey is where UserAuthMiddleware stores the caller's claims
const userContextKey = "auth.user"

// Claims are the access token claims issued by the identity service
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 access tokens
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify parses token and returns its claims. Expiry is checked when present.
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// UserAuthMiddleware requires "Authorization: Bearer <token>". A missing
// header is 403 and a bad token 401.
func UserAuthMiddleware(verifier *JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "No token provided"})
			return
		}

		claims, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(userContextKey, claims)
		c.Next()
	}
}

// UserFromContext returns the claims stored by UserAuthMiddleware
func UserFromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// UserID returns the authenticated user id or ""
func UserID(c *gin.Context) string {
	claims, ok := UserFromContext(c)
	if !ok {
		return ""
	}
	return claims.UserID
}
