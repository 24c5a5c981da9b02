package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

const clientTokenType = "client"

// TokenService issues and validates bearer tokens for API clients such as the
// browser extension.
type TokenService struct {
	secret []byte
	now    Clock
}

// NewTokenService creates a new TokenService.
func NewTokenService(secret string, clock Clock) *TokenService {
	return &TokenService{secret: []byte(secret), now: clock.orDefault()}
}

// Issue signs a token for clientID valid for ttl.
func (s *TokenService) Issue(clientID string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  clientID,
		"type": clientTokenType,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign client token: %w", err)
	}
	return signed, nil
}

// Validate checks a client token and returns its subject.
func (s *TokenService) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parse token: %w: %w", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", domain.ErrUnauthorized
	}
	if tokenType, _ := claims["type"].(string); tokenType != clientTokenType {
		return "", domain.ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", domain.ErrUnauthorized
	}
	return sub, nil
}
