// ABOUTME: Operator tokens for the control API: HS256 JWTs minted by `mimic token`.
// ABOUTME: A token names one operator and is only valid for this control plane.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

const (
	tokenIssuer   = "mimic"
	tokenAudience = "mimic-control"
)

var (
	ErrInvalidToken = errors.New("invalid operator token")
	ErrExpiredToken = errors.New("operator token expired")
	ErrNoOperator   = errors.New("operator token names no operator")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier resolves a bearer token to the operator it was issued to.
type TokenVerifier interface {
	Verify(tokenString string) (operator string, err error)
}

// OperatorClaims are the claims carried by an operator token. The operator
// name is the subject; every token expires.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier mints and checks operator tokens with one shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier rejects secrets shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithAudience(tokenAudience),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify returns the operator named by tokenString. Tokens from another
// issuer or audience, or without an expiry, are invalid.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims OperatorClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", ErrNoOperator
	}
	return claims.Subject, nil
}

// Generate mints a token for operator that expires after ttl.
func (v *JWTVerifier) Generate(operator string, ttl time.Duration) (string, error) {
	if operator == "" {
		return "", ErrNoOperator
	}

	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
