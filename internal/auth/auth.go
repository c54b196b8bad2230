// Package auth issues and verifies the bearer tokens that upload sessions
// and the status API require.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/snapq/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

// Token is an issued bearer token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Identity is the verified subject of a token.
type Identity struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider validates credentials and verifies tokens. Failures are
// fault.Auth errors wrapping ErrInvalidCredentials or ErrInvalidToken;
// an unreachable provider is fault.Transient.
type Provider interface {
	Validate(ctx context.Context, username, password string) (Token, error)
	Verify(ctx context.Context, token string) (Identity, error)
}

// New builds the provider selected by cfg.Driver.
func New(cfg config.AuthConfig, client *http.Client) (Provider, error) {
	switch cfg.Driver {
	case config.AuthLocal, "":
		return NewLocal(cfg)
	case config.AuthRemote:
		return NewRemote(cfg.RemoteURL, client)
	default:
		return nil, fmt.Errorf("unknown auth driver %q", cfg.Driver)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
