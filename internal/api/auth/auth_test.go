package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const accessSecret = "access-secret"

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func userClaims(userID string, expiresIn time.Duration) *Claims {
	return &Claims{
		UserID: userID,
		Email:  userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
}

func TestStaticTokenAuthorizer(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		credential string
		wantErr    error
	}{
		{name: "match", secret: "s3cret", credential: "s3cret"},
		{name: "missing", secret: "s3cret", credential: "", wantErr: ErrMissingCredential},
		{name: "mismatch", secret: "s3cret", credential: "s3cre", wantErr: ErrInvalidCredential},
		{name: "case sensitive", secret: "s3cret", credential: "S3CRET", wantErr: ErrInvalidCredential},
		{name: "unconfigured secret rejects", secret: "", credential: "anything", wantErr: ErrInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStaticTokenAuthorizer(tt.secret).Authorize(tt.credential)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestServiceAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.PUT("/internal", ServiceAuthMiddleware(NewStaticTokenAuthorizer("s3cret"), slog.New(slog.NewTextHandler(io.Discard, nil))), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "valid credential", headers: map[string]string{ServiceTokenHeader: "s3cret"}, wantStatus: http.StatusOK},
		{name: "no credential", wantStatus: http.StatusUnauthorized},
		{name: "wrong credential", headers: map[string]string{ServiceTokenHeader: "nope"}, wantStatus: http.StatusForbidden},
		{
			name:       "user token is not accepted",
			headers:    map[string]string{"Authorization": "Bearer " + signToken(t, accessSecret, jwt.SigningMethodHS256, userClaims("u1", time.Hour))},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/internal", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestJWTVerifier_Verify(t *testing.T) {
	verifier := NewJWTVerifier(accessSecret)

	t.Run("valid", func(t *testing.T) {
		claims, err := verifier.Verify(signToken(t, accessSecret, jwt.SigningMethodHS256, userClaims("u1", time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.UserID)
		assert.Equal(t, "u1@example.com", claims.Email)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := verifier.Verify(signToken(t, accessSecret, jwt.SigningMethodHS256, userClaims("u1", -time.Minute)))
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := verifier.Verify(signToken(t, "other", jwt.SigningMethodHS256, userClaims("u1", time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("other algorithm", func(t *testing.T) {
		_, err := verifier.Verify(signToken(t, accessSecret, jwt.SigningMethodHS512, userClaims("u1", time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("missing user id", func(t *testing.T) {
		_, err := verifier.Verify(signToken(t, accessSecret, jwt.SigningMethodHS256, userClaims("", time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := verifier.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestUserAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/jobs", UserAuthMiddleware(NewJWTVerifier(accessSecret)), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "valid token",
			header:     "Bearer " + signToken(t, accessSecret, jwt.SigningMethodHS256, userClaims("u1", time.Hour)),
			wantStatus: http.StatusOK,
			wantBody:   `{"user_id":"u1"}`,
		},
		{name: "missing header", wantStatus: http.StatusForbidden, wantBody: `{"error":"No token provided"}`},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusForbidden, wantBody: `{"error":"No token provided"}`},
		{name: "invalid token", header: "Bearer abc.def.ghi", wantStatus: http.StatusUnauthorized, wantBody: `{"error":"Invalid or expired token"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestHTTPUserValidator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/validate-user/good":
			_, _ = w.Write([]byte(`{"valid":true,"userId":"good"}`))
		case "/auth/validate-user/flagged":
			_, _ = w.Write([]byte(`{"valid":false}`))
		case "/auth/validate-user/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	v := NewHTTPUserValidator(server.URL+"/", time.Second)
	ctx := context.Background()

	ok, err := v.ValidateUser(ctx, "good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.ValidateUser(ctx, "flagged")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.ValidateUser(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.ValidateUser(ctx, "broken")
	assert.Error(t, err)
}
