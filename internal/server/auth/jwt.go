// Package auth issues and verifies the bearer tokens accepted by the
// control API. Tokens are HS256-signed and may carry an mfa claim; accounts
// flagged require_mfa_to_sync only accept run triggers from mfa tokens.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsdesk/vaultsync/internal/common"
)

type Claims struct {
	jwt.RegisteredClaims
	// MFA is true when the operator completed a second factor before the
	// token was issued.
	MFA bool `json:"mfa,omitempty"`
}

func GenerateToken(subject string, mfa bool, secretKey []byte, validity time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		MFA: mfa,
	})
	return token.SignedString(secretKey)
}

// ParseToken verifies the signature and expiry and returns the claims. All
// verification failures collapse to common.ErrInvalidToken so callers cannot
// leak why a token was rejected.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}
