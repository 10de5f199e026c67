package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pawlenx/api/internal/util"
)

// Claims carries the collection key as the subject and the display name used
// for greetings. Tokens are stateless; nothing is stored server-side.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// CollectionKey returns the subject of the token.
func (c Claims) CollectionKey() string {
	return c.Subject
}

var ErrInvalidToken = errors.New("invalid token")

// DefaultTTL is the session lifetime.
const DefaultTTL = 7 * 24 * time.Hour

func IssueToken(secret []byte, collectionKey, name string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   collectionKey,
			ID:        util.NewID("jti"),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature and expiry. Every failure collapses into
// ErrInvalidToken so callers cannot tell an expired token from a forged one.
func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Name == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// TokenService issues and verifies session tokens with a fixed secret and TTL.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the collection and its expiry.
func (s *TokenService) Issue(collectionKey, name string) (string, time.Time, error) {
	issuedAt := s.now()
	token, err := IssueToken(s.secret, collectionKey, name, issuedAt, s.ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, issuedAt.Add(s.ttl), nil
}

func (s *TokenService) Verify(token string) (Claims, error) {
	return ParseToken(s.secret, token, s.now())
}
