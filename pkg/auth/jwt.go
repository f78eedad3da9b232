// Package auth issues and validates the bearer tokens protecting the swap
// history and webhook admin endpoints.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/veilswap/middleware/pkg/app/errors"
	apphttp "github.com/veilswap/middleware/pkg/app/http"
	"github.com/veilswap/middleware/pkg/config"
)

// Claims carried by an API token.
type Claims struct {
	ClientID string `json:"client_id"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Service signs and validates HS256 tokens.
type Service struct {
	secret   []byte
	issuer   string
	tokenTTL time.Duration
}

func NewService(cfg *config.AuthConfig) *Service {
	return &Service{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
	}
}

// IssueToken mints a token for an API client.
func (s *Service) IssueToken(clientID string, admin bool) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ClientID: clientID,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context. With admin set, only admin tokens pass.
func (s *Service) Middleware(admin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(
					fmt.Errorf("missing bearer token"), "authorization required"))
				return
			}

			claims, err := s.ValidateToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "invalid token"))
				return
			}
			if admin && !claims.Admin {
				apphttp.DefaultErrorHandler(w, apperrors.ForbiddenError(
					fmt.Errorf("token lacks admin scope"), "admin access required"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
