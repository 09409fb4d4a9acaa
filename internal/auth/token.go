// Package auth covers the connection gate's two collaborators: bearer token
// mint/validation and the OTP login flow that produces those tokens.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer mints and validates the HS256 bearer tokens used on HTTP calls
// and websocket handshakes.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer creates an issuer from the configured signing key.
func NewTokenIssuer(signingKey string, ttl time.Duration) (*TokenIssuer, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("auth signing key is required")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &TokenIssuer{key: []byte(signingKey), ttl: ttl}, nil
}

// Mint returns a signed access token carrying the user id and mobile number.
func (i *TokenIssuer) Mint(userID, mobile string, verified bool) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":      userID,
		"mobile":   mobile,
		"verified": verified,
		"iat":      now.Unix(),
		"exp":      now.Add(i.ttl).Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return token, nil
}

// Validate parses and verifies a bearer token, returning the user id it was
// minted for.
func (i *TokenIssuer) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}

	return sub, nil
}
