package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shapewire-net/shapewire/pkg/util"
)

// User is an API account. Passwords are stored as bcrypt hashes; role is
// one of admin, operator, viewer.
type User struct {
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// CreateUser inserts a new account. Duplicate usernames map to
// ErrConflict.
func (s *Store) CreateUser(u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(
		`INSERT INTO users (username, password_hash, role, created_at)
		 VALUES (:username, :password_hash, :role, :created_at)`, u)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s already exists: %w", u.Username, util.ErrConflict)
		}
		return storeErr("creating user", err)
	}
	return nil
}

// GetUser loads one account by username
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	err := s.db.Get(&u, "SELECT * FROM users WHERE username = ?", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, util.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("loading user", err)
	}
	return &u, nil
}

// ListUsers returns all accounts ordered by username
func (s *Store) ListUsers() ([]*User, error) {
	var users []*User
	if err := s.db.Select(&users, "SELECT * FROM users ORDER BY username ASC"); err != nil {
		return nil, storeErr("listing users", err)
	}
	return users, nil
}

// SetUserPassword replaces an account's password hash
func (s *Store) SetUserPassword(username, passwordHash string) error {
	res, err := s.db.Exec(
		"UPDATE users SET password_hash = ? WHERE username = ?", passwordHash, username)
	if err != nil {
		return storeErr("updating user password", err)
	}
	return requireRow(res, "user", username)
}

// DeleteUser removes an account
func (s *Store) DeleteUser(username string) error {
	res, err := s.db.Exec("DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return storeErr("deleting user", err)
	}
	return requireRow(res, "user", username)
}

// isUniqueViolation sniffs the sqlite unique-constraint error without
// importing the driver's error types everywhere.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
