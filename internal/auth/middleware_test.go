package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func sign(t *testing.T, claims jwt.RegisteredClaims, method jwt.SigningMethod) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(testSecret, "doc-validation")
	valid := jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"doc-validation"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	subject, err := v.Verify(sign(t, valid, jwt.SigningMethodHS256))
	if err != nil || subject != "user-1" {
		t.Fatalf("expected user-1, got %q, %v", subject, err)
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	if _, err := v.Verify(sign(t, expired, jwt.SigningMethodHS256)); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	otherAudience := valid
	otherAudience.Audience = jwt.ClaimStrings{"billing"}
	if _, err := v.Verify(sign(t, otherAudience, jwt.SigningMethodHS384)); err != ErrInvalidAudience {
		t.Fatalf("expected ErrInvalidAudience, got %v", err)
	}

	anonymous := valid
	anonymous.Subject = ""
	if _, err := v.Verify(sign(t, anonymous, jwt.SigningMethodHS256)); err != ErrMissingSubject {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestJWTMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTMiddleware(testSecret, ""), func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})

	token := sign(t, jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS256)

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Basic abc", http.StatusUnauthorized},
		{"Bearer ", http.StatusUnauthorized},
		{"Bearer not-a-token", http.StatusUnauthorized},
		{"bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != tc.status {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.status, resp.Code)
		}
		if tc.status == http.StatusOK && resp.Body.String() != "user-7" {
			t.Fatalf("expected subject in context, got %q", resp.Body.String())
		}
	}
}
