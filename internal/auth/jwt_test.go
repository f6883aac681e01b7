package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-unit-tests-only"

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier(testSecret)

	token, err := v.Issue("op-1", RoleOperator, "Ana", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "Ana", claims.Name)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret)
	other := NewVerifier("another-secret")

	expired := NewVerifier(testSecret)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("op-1", RoleOperator, "", time.Hour)
	require.NoError(t, err)

	forged, err := other.Issue("op-1", RoleOperator, "", time.Hour)
	require.NoError(t, err)

	noSubject, err := v.Issue("", RoleOperator, "", time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "op-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             RoleOperator,
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", old, ErrInvalidToken},
		{"wrong secret", forged, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret)
	operatorToken, err := v.Issue("op-1", RoleOperator, "Ana", time.Hour)
	require.NoError(t, err)
	patientToken, err := v.Issue("u-1", RolePatient, "", time.Hour)
	require.NoError(t, err)

	var seen *Claims
	h := Middleware(v, RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad scheme", "Basic " + operatorToken, http.StatusUnauthorized},
		{"wrong role", "Bearer " + patientToken, http.StatusForbidden},
		{"operator", "Bearer " + operatorToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/handoff/pending", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "op-1", seen.Subject)
}

func TestMiddlewareDisabledWithoutVerifier(t *testing.T) {
	h := Middleware(nil, RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := ClaimsFromContext(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
