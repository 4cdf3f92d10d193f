// Package auth verifies the bearer tokens presented by signed in users.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Identity is what a verified token says about its bearer.
type Identity struct {
	UserID    string     `json:"userId"`
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	Plan      string     `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Plan  string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims, err := ParseToken(v.secret, token)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Plan:   claims.Plan,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		identity.ExpiresAt = &exp
	}
	return identity, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
