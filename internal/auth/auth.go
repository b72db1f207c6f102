// Package auth implements the login, registration and two-factor
// flows of the EnigmaChat backend. Token storage and the 2FA secret
// handling follow the backend's contract; nothing here is a security
// boundary of its own.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/proceruss/enigmachat/internal/api"
	"github.com/proceruss/enigmachat/internal/session"
)

// minPasswordEntropy gates registration locally before the request is
// sent. 60 bits roughly corresponds to a decent 10+ character password.
const minPasswordEntropy = 60

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrMissingPin         = errors.New("2fa pin is required")
)

// Service drives the auth endpoints over the REST gateway.
type Service struct {
	api     *api.Client
	session *session.Store
}

// New builds an auth service bound to the shared session store.
func New(client *api.Client, sess *session.Store) *Service {
	return &Service{api: client, session: sess}
}

// LoginResult is the backend's answer to a credential check. When 2FA
// is enabled the token is temporary and must be upgraded via Verify2FA.
type LoginResult struct {
	Token        string       `json:"token"`
	User         session.User `json:"user"`
	Is2FAEnabled bool         `json:"is2faEnabled"`
}

// Login checks credentials. With 2FA enabled, the returned temporary
// token is held in memory for the Verify2FA step; otherwise the
// session is established immediately.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if email == "" || password == "" {
		return LoginResult{}, ErrMissingCredentials
	}

	var res LoginResult
	err := s.api.Do(ctx, http.MethodPost, "/auth/login",
		map[string]string{"email": email, "password": password}, &res)
	if err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}

	if res.Is2FAEnabled {
		s.session.SetTempToken(res.Token)
		return res, nil
	}
	if err := s.session.Save(res.Token, res.User); err != nil {
		return LoginResult{}, fmt.Errorf("persist session: %w", err)
	}
	return res, nil
}

// Register creates an account. The password is checked locally for
// minimum entropy so obviously weak ones never reach the backend.
func (s *Service) Register(ctx context.Context, username, email, password string) (LoginResult, error) {
	if username == "" || email == "" || password == "" {
		return LoginResult{}, ErrMissingCredentials
	}
	if err := passwordvalidator.Validate(password, minPasswordEntropy); err != nil {
		return LoginResult{}, fmt.Errorf("weak password: %w", err)
	}

	var res LoginResult
	err := s.api.Do(ctx, http.MethodPost, "/auth/register",
		map[string]string{"username": username, "email": email, "password": password}, &res)
	if err != nil {
		return LoginResult{}, fmt.Errorf("register: %w", err)
	}
	return res, nil
}

// Verify2FA exchanges a TOTP pin plus the temporary login token for a
// full session.
func (s *Service) Verify2FA(ctx context.Context, pin string) (LoginResult, error) {
	if strings.TrimSpace(pin) == "" {
		return LoginResult{}, ErrMissingPin
	}

	var res LoginResult
	err := s.api.DoWithToken(ctx, http.MethodPost, "/auth/verify-2fa", s.session.TempToken(),
		map[string]string{"pin": pin}, &res)
	if err != nil {
		return LoginResult{}, fmt.Errorf("verify 2fa: %w", err)
	}
	if res.Token == "" {
		return LoginResult{}, &api.ServerError{Status: http.StatusBadGateway, Message: "no token in 2fa response"}
	}
	s.session.SetTempToken("")
	if err := s.session.Save(res.Token, res.User); err != nil {
		return LoginResult{}, fmt.Errorf("persist session: %w", err)
	}
	return res, nil
}

// Setup2FAResult carries the provisioning material for an authenticator
// app.
type Setup2FAResult struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauthUrl"`
	QRCode     string `json:"qrCode"`
}

// Setup2FA starts enrolling the current account into 2FA.
func (s *Service) Setup2FA(ctx context.Context) (Setup2FAResult, error) {
	var res Setup2FAResult
	if err := s.api.Request(ctx, http.MethodPost, "/auth/setup-2fa", nil, &res); err != nil {
		return Setup2FAResult{}, fmt.Errorf("setup 2fa: %w", err)
	}
	return res, nil
}

// Confirm2FA completes enrollment with the first pin from the
// authenticator.
func (s *Service) Confirm2FA(ctx context.Context, pin, secret string) error {
	if strings.TrimSpace(pin) == "" {
		return ErrMissingPin
	}
	err := s.api.Request(ctx, http.MethodPost, "/auth/confirm-2fa",
		map[string]string{"pin": pin, "secret": secret}, nil)
	if err != nil {
		return fmt.Errorf("confirm 2fa: %w", err)
	}
	return nil
}

// Disable2FA turns two-factor off for the current account.
func (s *Service) Disable2FA(ctx context.Context) error {
	if err := s.api.Request(ctx, http.MethodPost, "/auth/disable-2fa", nil, nil); err != nil {
		return fmt.Errorf("disable 2fa: %w", err)
	}
	return nil
}

// Logout drops the local session. The bearer token is stateless on the
// backend; nothing to revoke remotely.
func (s *Service) Logout() {
	s.session.Invalidate()
}

// SearchUsers queries users by username and/or email.
func (s *Service) SearchUsers(ctx context.Context, username, email string) ([]session.User, error) {
	params := url.Values{}
	if username != "" {
		params.Set("username", username)
	}
	if email != "" {
		params.Set("email", email)
	}
	var users []session.User
	if err := s.api.Request(ctx, http.MethodGet, "/users?"+params.Encode(), nil, &users); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// FindSomeUsers returns a partial-match username search, used by the
// start-chat and create-group pickers.
func (s *Service) FindSomeUsers(ctx context.Context, username string) ([]session.User, error) {
	var users []session.User
	err := s.api.Request(ctx, http.MethodGet,
		"/users/some?username="+url.QueryEscape(username), nil, &users)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	return users, nil
}
