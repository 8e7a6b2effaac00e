package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy-123"

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func adminClaims(exp time.Time) Claims {
	return Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestRequireRole(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name   string
		header func(t *testing.T) string
		status int
	}{
		{"missing header", func(*testing.T) string { return "" }, http.StatusUnauthorized},
		{"wrong scheme", func(*testing.T) string { return "Basic abc" }, http.StatusUnauthorized},
		{"garbage token", func(*testing.T) string { return "Bearer not-a-jwt" }, http.StatusUnauthorized},
		{"wrong secret", func(t *testing.T) string {
			return "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), adminClaims(future))
		}, http.StatusUnauthorized},
		{"wrong algorithm", func(t *testing.T) string {
			return "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), adminClaims(future))
		}, http.StatusUnauthorized},
		{"expired", func(t *testing.T) string {
			return "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), adminClaims(time.Now().Add(-time.Minute)))
		}, http.StatusUnauthorized},
		{"insufficient role", func(t *testing.T) string {
			c := adminClaims(future)
			c.Role = "customer"
			return "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)
		}, http.StatusForbidden},
		{"admin", func(t *testing.T) string {
			return "bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), adminClaims(future))
		}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			h := RequireRole(testSecret, discardLogger(), "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if c, ok := ClaimsFromContext(r.Context()); ok {
					subject = c.Subject
				}
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/c1/audit", nil)
			if v := tt.header(t); v != "" {
				req.Header.Set("Authorization", v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ops-1", subject)
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}
