package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shapewire-net/shapewire/pkg/audit"
	"github.com/shapewire-net/shapewire/pkg/store"
	"github.com/shapewire-net/shapewire/pkg/util"
)

const (
	// DefaultTokenTTL is how long a bearer token stays valid.
	DefaultTokenTTL = 12 * time.Hour

	// tokenBytes sized so tokens are infeasible to guess.
	tokenBytes = 32

	minPasswordLen = 8
)

// dummyHash keeps login timing comparable when the username is unknown.
// bcrypt hash of an unguessable throwaway string.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// UserSource is the slice of the state store the manager reads accounts
// from.
type UserSource interface {
	GetUser(username string) (*store.User, error)
}

// Session is one issued bearer token
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session's token has lapsed
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Manager verifies credentials against stored accounts and keeps the
// issued tokens in memory. Tokens do not survive a daemon restart;
// clients log in again.
type Manager struct {
	users UserSource
	ttl   time.Duration

	mu     sync.Mutex
	tokens map[string]*Session

	now func() time.Time
}

// NewManager builds a manager. A non-positive ttl takes DefaultTokenTTL.
func NewManager(users UserSource, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{
		users:  users,
		ttl:    ttl,
		tokens: make(map[string]*Session),
		now:    time.Now,
	}
}

// Login verifies a username/password pair and issues a token. Unknown
// users and bad passwords both come back as ErrUnauthorized so callers
// cannot probe for accounts.
func (m *Manager) Login(username, password string) (*Session, error) {
	u, err := m.users.GetUser(username)
	if err != nil {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		m.auditLogin(username, err)
		return nil, fmt.Errorf("login for %q: %w", username, util.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		m.auditLogin(username, err)
		return nil, fmt.Errorf("login for %q: %w", username, util.ErrUnauthorized)
	}
	role, err := ParseRole(u.Role)
	if err != nil {
		m.auditLogin(username, err)
		return nil, fmt.Errorf("account %q has invalid role: %w", username, err)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		Token:     token,
		Username:  username,
		Role:      role,
		ExpiresAt: m.now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sweepLocked()
	m.tokens[token] = sess
	m.mu.Unlock()

	m.auditLogin(username, nil)
	util.WithComponent("auth").WithField("user", username).Info("login")
	return sess, nil
}

// Authenticate resolves a bearer token to its session
func (m *Manager) Authenticate(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.tokens[token]
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", util.ErrUnauthorized)
	}
	if sess.Expired(m.now()) {
		delete(m.tokens, token)
		return nil, fmt.Errorf("token expired: %w", util.ErrUnauthorized)
	}
	return sess, nil
}

// Authorize checks a session against a permission gate
func (m *Manager) Authorize(sess *Session, p Permission) error {
	if sess == nil {
		return fmt.Errorf("no session: %w", util.ErrUnauthorized)
	}
	if !sess.Role.Allows(p) {
		return &PermissionError{User: sess.Username, Role: sess.Role, Permission: p}
	}
	return nil
}

// Revoke drops a token, ending its session
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// Sweep drops expired tokens and reports how many went
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked()
}

func (m *Manager) sweepLocked() int {
	now := m.now()
	dropped := 0
	for token, sess := range m.tokens {
		if sess.Expired(now) {
			delete(m.tokens, token)
			dropped++
		}
	}
	return dropped
}

func (m *Manager) auditLogin(username string, loginErr error) {
	ev := audit.NewEvent(username, audit.ActionLogin, audit.EntityUser, username)
	if loginErr != nil {
		ev.WithError(loginErr)
	}
	if err := audit.Log(ev); err != nil {
		util.WithComponent("auth").WithError(err).Debug("audit write failed")
	}
}

// newToken draws an opaque bearer token from the system entropy pool
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword bcrypts a password for storage, enforcing a minimum length
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("password must be at least %d characters: %w", minPasswordLen, util.ErrValidationFailed)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
