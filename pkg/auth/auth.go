// Package auth issues and verifies the bearer tokens agents present on
// every call after login.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/offloadmq/offloadmq/pkg/apperr"
)

// TokenTTL is how long an issued agent token stays valid.
const TokenTTL = time.Hour

// Issuer mints and verifies HMAC-signed agent tokens. The subject claim
// carries the agent uid.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an issuer over the shared HMAC secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Claims is the payload of an agent token.
type Claims struct {
	jwt.RegisteredClaims
}

// Issue signs a token for the agent uid. Returns the compact token and its
// lifetime in seconds.
func (i *Issuer) Issue(agentUID string) (string, int64, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", 0, apperr.Internal(err)
	}
	return signed, int64(TokenTTL.Seconds()), nil
}

// Verify checks the token's signature and expiry and returns the agent uid.
func (i *Issuer) Verify(tokenString string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", apperr.Authentication("invalid token: %v", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", apperr.Authentication("invalid token")
	}
	return claims.Subject, nil
}
