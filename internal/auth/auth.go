// Package auth issues and validates principal tokens. A token proves which
// address is calling; what that address may do is decided by the ledger's
// authority configuration.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken    = errors.New("auth: missing bearer token")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrTokenGeneration = errors.New("auth: failed to generate token")
	ErrEmptySecret     = errors.New("auth: empty signing secret")
)

const issuer = "strategy-vault"

// Claims identifies the calling principal.
type Claims struct {
	jwt.RegisteredClaims
	Address string `json:"address"`
}

// TokenResponse is returned from the token endpoint.
type TokenResponse struct {
	Token      string    `json:"token"`
	Address    string    `json:"address"`
	Expiration time.Time `json:"expiration"`
}

// Service signs and verifies HS256 principal tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates an auth service. ttl <= 0 defaults to 24 hours.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// GenerateToken issues a token for address.
func (s *Service) GenerateToken(address string) (*TokenResponse, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, ErrInvalidToken
	}
	now := s.now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   address,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Address: address,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{Token: signed, Address: address, Expiration: expiration}, nil
}

// ValidateToken verifies signature, issuer and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Address == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type ctxKey struct{}

// WithPrincipal stores the caller address in ctx.
func WithPrincipal(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, ctxKey{}, address)
}

// Principal returns the caller address stored by Middleware.
func Principal(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(ctxKey{}).(string)
	return a, ok && a != ""
}

// Middleware rejects requests without a valid bearer token and stores the
// caller address in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := bearer(r)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		claims, err := s.ValidateToken(tok)
		if err != nil {
			writeUnauthorized(w, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.Address)))
	})
}

// TokenHandler issues tokens for arbitrary addresses. Development only.
func (s *Service) TokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "address is required"})
		return
	}
	resp, err := s.GenerateToken(req.Address)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func bearer(r *http.Request) (string, error) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
