package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/fault"
)

// Claims are the JWT claims snapq issues.
type Claims struct {
	jwt.RegisteredClaims
}

// Local issues HS256 tokens for users configured with bcrypt password
// hashes.
type Local struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  map[string][]byte
	now    func() time.Time
}

// dummyHash is compared against when the user is unknown so both failure
// paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("snapq-unknown-user"), bcrypt.MinCost)

func NewLocal(cfg config.AuthConfig) (*Local, error) {
	if cfg.Secret == "" {
		return nil, errors.New("local auth: secret is required")
	}
	ttl := cfg.TokenTTL()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	users := make(map[string][]byte, len(cfg.Users))
	for _, u := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("local auth: user %q: password_hash is not a bcrypt hash", u.Username)
		}
		users[u.Username] = []byte(u.PasswordHash)
	}
	return &Local{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: ttl, users: users, now: time.Now}, nil
}

// WithClock replaces the clock used for issuing and verifying tokens.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

func (l *Local) Validate(_ context.Context, username, password string) (Token, error) {
	const op = "auth.validate"
	hash, ok := l.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Token{}, fault.E(fault.Auth, op, ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Token{}, fault.E(fault.Auth, op, ErrInvalidCredentials)
	}
	return l.Issue(username)
}

// Issue signs a token for subject without checking credentials.
func (l *Local) Issue(subject string) (Token, error) {
	now := l.now()
	exp := now.Add(l.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    l.issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: exp.UTC().Truncate(time.Second)}, nil
}

func (l *Local) Verify(_ context.Context, token string) (Identity, error) {
	const op = "auth.verify"
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	}
	if l.issuer != "" {
		opts = append(opts, jwt.WithIssuer(l.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fault.E(fault.Auth, op, fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}
	if claims.Subject == "" {
		return Identity{}, fault.E(fault.Auth, op, fmt.Errorf("%w: missing subject", ErrInvalidToken))
	}
	return Identity{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time.UTC()}, nil
}

// HashPassword returns the bcrypt hash to put in the users list.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
