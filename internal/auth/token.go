package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenIssuer = "drexpay"
	roleManager = "manager"
)

var ErrInvalidToken = errors.New("invalid or expired manager token")

// Capability is what a verified manager token grants.
type Capability struct {
	Subject   string
	ExpiresAt time.Time
}

type managerClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and checks manager capability tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for subject and the time it expires.
func (i *Issuer) Issue(subject string) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := managerClaims{
		Role: roleManager,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign manager token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses raw (with or without a "Bearer " prefix).
func (i *Issuer) Verify(raw string) (Capability, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Capability{}, ErrInvalidToken
	}

	var claims managerClaims
	parser := jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}}
	token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return Capability{}, ErrInvalidToken
	}
	// Parser validates exp against wall time; use the injected clock too.
	if claims.ExpiresAt == nil || !i.now().Before(claims.ExpiresAt.Time) {
		return Capability{}, ErrInvalidToken
	}
	if claims.Role != roleManager || claims.Issuer != tokenIssuer {
		return Capability{}, ErrInvalidToken
	}
	return Capability{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}
