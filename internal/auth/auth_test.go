package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	s, err := NewService("secret", time.Hour)
	require.NoError(t, err)

	resp, err := s.GenerateToken("  0xABC ")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", resp.Address)

	claims, err := s.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", claims.Address)
	assert.Equal(t, "0xabc", claims.Subject)
}

func TestValidateRejects(t *testing.T) {
	s, _ := NewService("secret", time.Hour)
	other, _ := NewService("other", time.Hour)

	resp, err := other.GenerateToken("0xabc")
	require.NoError(t, err)
	_, err = s.ValidateToken(resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := s.GenerateToken("0xabc")
	require.NoError(t, err)
	s.now = time.Now
	_, err = s.ValidateToken(expired.Token)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Address: "0xabc"})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken, "alg none")

	_, err = NewService("", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestMiddleware(t *testing.T) {
	s, _ := NewService("secret", time.Hour)
	var seen string
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Principal(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, _ := s.GenerateToken("0xabc")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xabc", seen)
}

func TestTokenHandlerIssuesAddressOnlyTokens(t *testing.T) {
	s, _ := NewService("secret", time.Hour)

	// Requested roles are not honoured: authority comes from the ledger.
	w := httptest.NewRecorder()
	s.TokenHandler(w, httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"address":"0xSETTLER","roles":["settler","creator"]}`)))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	parsed, _, err := jwt.NewParser().ParseUnverified(resp.Token, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "0xsettler", claims["address"])
	assert.NotContains(t, claims, "roles")

	w = httptest.NewRecorder()
	s.TokenHandler(w, httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
