package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"
)

// User is the authenticated user's identity as returned by the backend.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Store holds the bearer credential and user identity for the current
// session, persisted to a single JSON file. The temporary 2FA token
// lives in memory only.
type Store struct {
	mu        sync.Mutex
	path      string
	token     string
	user      User
	tempToken string
}

type stateFile struct {
	Token string `json:"authToken"`
	User  User   `json:"user"`
}

// Open loads a session store from path. A missing or unreadable file
// yields an empty (unauthenticated) store.
func Open(path string) *Store {
	s := &Store{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var f stateFile
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("[session] corrupt session file ignored")
		return s
	}
	s.token = f.Token
	s.user = f.User
	return s
}

// Save stores the credential and identity and persists them.
func (s *Store) Save(token string, user User) error {
	s.mu.Lock()
	s.token = token
	s.user = user
	s.mu.Unlock()
	return s.persist(stateFile{Token: token, User: user})
}

func (s *Store) persist(f stateFile) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

// Token returns the bearer credential, empty when logged out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// User returns the current identity. ok is false when logged out.
func (s *Store) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.token != ""
}

// Authenticated reports whether a credential is present and, when it
// parses as a JWT, not yet expired. The token is never verified here;
// the backend is the authority.
func (s *Store) Authenticated() bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return false
	}
	if exp, ok := tokenExpiry(token); ok && time.Now().After(exp) {
		return false
	}
	return true
}

// ExpiresAt returns the token expiry claim when the credential is a
// parseable JWT carrying one.
func (s *Store) ExpiresAt() (time.Time, bool) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	return tokenExpiry(token)
}

func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// SetTempToken stores the short-lived token handed out between login
// and 2FA verification. Not persisted.
func (s *Store) SetTempToken(token string) {
	s.mu.Lock()
	s.tempToken = token
	s.mu.Unlock()
}

// TempToken returns the pending 2FA token, empty if none.
func (s *Store) TempToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempToken
}

// Invalidate drops the session and removes the persisted file.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.user = User{}
	s.tempToken = ""
	path := s.path
	s.mu.Unlock()
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("[session] remove session file")
		}
	}
}
