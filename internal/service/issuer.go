package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints a fresh upstream access credential.
type Issuer interface {
	Issue(ctx context.Context, lifetime time.Duration) (string, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, lifetime time.Duration) (string, error)

func (f IssuerFunc) Issue(ctx context.Context, lifetime time.Duration) (string, error) {
	return f(ctx, lifetime)
}

// SignedIssuer mints HS256 tokens standing in for an OAuth client-credentials grant.
type SignedIssuer struct {
	key     []byte
	issuer  string
	subject string
	now     func() time.Time
}

func NewSignedIssuer(key []byte, issuer string) *SignedIssuer {
	return &SignedIssuer{key: key, issuer: issuer, subject: "farmlokal-api", now: time.Now}
}

func (s *SignedIssuer) Issue(_ context.Context, lifetime time.Duration) (string, error) {
	if len(s.key) == 0 {
		return "", fmt.Errorf("signing key not configured")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// opaqueCredential is the fallback when the issuer fails; generation never fails outright.
func opaqueCredential(now time.Time) string {
	raw := fmt.Sprintf("farmlokal-%d-%s", now.UnixNano(), uuid.NewString())
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// OpaqueIssuer mints random bearer strings, for deployments without a signing key.
var OpaqueIssuer = IssuerFunc(func(context.Context, time.Duration) (string, error) {
	return opaqueCredential(time.Now()), nil
})
