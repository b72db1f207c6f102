package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proceruss/enigmachat/internal/session"
)

// Client performs JSON request/response round trips against the
// EnigmaChat REST backend. Responses are decoded into the caller's
// value; failures map onto the error taxonomy in errors.go. No call is
// retried here; callers decide.
type Client struct {
	baseURL string
	http    *http.Client
	session *session.Store
}

// New builds a client for baseURL (no trailing slash required).
// timeout bounds every request so an unreachable backend cannot leave
// optimistic state hanging.
func New(baseURL string, sess *session.Store, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		session: sess,
	}
}

// Request performs an authenticated call. It fails with
// ErrNotAuthenticated before touching the network when no session is
// present.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	if !c.session.Authenticated() {
		return ErrNotAuthenticated
	}
	return c.roundTrip(ctx, method, path, c.session.Token(), body, out)
}

// Do performs an unauthenticated call (login, register). Any session
// token present is still attached; the backend ignores it on public
// routes.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.roundTrip(ctx, method, path, c.session.Token(), body, out)
}

// DoWithToken performs a call under an explicit bearer token, used for
// the 2FA handshake where a temporary token stands in for the session.
func (c *Client) DoWithToken(ctx context.Context, method, path, token string, body, out any) error {
	return c.roundTrip(ctx, method, path, token, body, out)
}

// errorEnvelope is the backend's error body shape.
type errorEnvelope struct {
	Message string `json:"message"`
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		// Authoritative rejection: drop the local session and surface a
		// session-expired condition. Never retried.
		c.session.Invalidate()
		var env errorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		log.Debug().Str("path", path).Msg("[api] 401, session invalidated")
		return &AuthError{Message: env.Message}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env errorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &ServerError{Status: resp.StatusCode, Message: env.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
