package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/snapq/internal/fault"
)

// Remote delegates to an external provider over HTTP:
//
//	POST {base}/token   {"username","password"} -> Token
//	GET  {base}/verify  Authorization: Bearer <token> -> Identity
//
// 401 and 403 mean bad credentials or token; anything else non-2xx is
// treated as transient.
type Remote struct {
	base   string
	client *http.Client
}

func NewRemote(base string, client *http.Client) (*Remote, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote auth: invalid base url %q", base)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{base: strings.TrimRight(base, "/"), client: client}, nil
}

func (r *Remote) Validate(ctx context.Context, username, password string) (Token, error) {
	const op = "auth.validate"
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return Token{}, fmt.Errorf("encode credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/token", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var tok Token
	if err := r.do(req, op, ErrInvalidCredentials, &tok); err != nil {
		return Token{}, err
	}
	if tok.AccessToken == "" {
		return Token{}, fault.New(fault.Transient, op, "provider returned an empty token")
	}
	return tok, nil
}

func (r *Remote) Verify(ctx context.Context, token string) (Identity, error) {
	const op = "auth.verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/verify", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	var id Identity
	if err := r.do(req, op, ErrInvalidToken, &id); err != nil {
		return Identity{}, err
	}
	if id.Subject == "" {
		return Identity{}, fault.E(fault.Auth, op, fmt.Errorf("%w: missing subject", ErrInvalidToken))
	}
	return id, nil
}

func (r *Remote) do(req *http.Request, op string, denied error, out any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fault.E(fault.Transient, op, fmt.Errorf("call auth provider: %w", err))
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fault.E(fault.Auth, op, denied)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.E(fault.Transient, op, fmt.Errorf("auth provider status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fault.E(fault.Transient, op, fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}
