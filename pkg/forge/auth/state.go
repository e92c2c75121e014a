package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const stateAudience = "forge:identity-provider-link"

// StateClaims is carried through the identity provider consent redirect so the
// callback knows which tenant started the flow.
type StateClaims struct {
	TenantPK uint   `json:"tenant_pk"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// StateSigner signs and verifies OAuth state tokens.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{secret: []byte(secret), ttl: ttl}
}

// Sign returns a state token for a tenant.
func (s *StateSigner) Sign(tenantPK uint, tenantID string) (string, error) {
	now := time.Now()
	claims := StateClaims{
		TenantPK: tenantPK,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{stateAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses a state token and returns its claims.
func (s *StateSigner) Verify(tokenString string) (*StateClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StateClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithAudience(stateAudience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
