package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilswap/middleware/pkg/config"
)

func testService() *Service {
	return NewService(&config.AuthConfig{
		JWTSecret: "test-secret",
		Issuer:    "swap-middleware",
		TokenTTL:  time.Hour,
	})
}

func TestIssueAndValidate(t *testing.T) {
	s := testService()
	token, err := s.IssueToken("client-1", false)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.False(t, claims.Admin)
}

func TestValidate_WrongSecret(t *testing.T) {
	token, err := testService().IssueToken("client-1", false)
	require.NoError(t, err)

	other := NewService(&config.AuthConfig{
		JWTSecret: "different",
		Issuer:    "swap-middleware",
		TokenTTL:  time.Hour,
	})
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidate_WrongIssuer(t *testing.T) {
	other := NewService(&config.AuthConfig{
		JWTSecret: "test-secret",
		Issuer:    "someone-else",
		TokenTTL:  time.Hour,
	})
	token, err := other.IssueToken("client-1", false)
	require.NoError(t, err)

	_, err = testService().ValidateToken(token)
	assert.Error(t, err)
}

func TestValidate_Expired(t *testing.T) {
	expired := NewService(&config.AuthConfig{
		JWTSecret: "test-secret",
		Issuer:    "swap-middleware",
		TokenTTL:  -time.Minute,
	})
	token, err := expired.IssueToken("client-1", false)
	require.NoError(t, err)

	_, err = testService().ValidateToken(token)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	s := testService()
	var gotClaims *Claims
	handler := s.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	token, err := s.IssueToken("client-1", false)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "client-1", gotClaims.ClientID)
}

func TestMiddleware_AdminScope(t *testing.T) {
	s := testService()
	handler := s.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	userToken, err := s.IssueToken("client-1", false)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken, err := s.IssueToken("ops", true)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
