package memory

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type user struct {
	id           string
	passwordHash []byte
}

// Users is an in-memory user directory whose Verify method can be used as the
// password grant's credentials verifier:
//
//	users := memory.NewUsers()
//	_ = users.Add("alex", "s3cret", "user-1")
//	grant := server.NewPasswordGrant(users.Verify)
type Users struct {
	mu    sync.RWMutex
	users map[string]*user
}

// NewUsers returns an empty user directory
func NewUsers() *Users {
	return &Users{users: make(map[string]*user)}
}

// Add registers or replaces a user. The password is stored as a bcrypt hash.
func (u *Users) Add(username, password, userID string) error {
	if username == "" || userID == "" {
		return fmt.Errorf("username and user id are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[username] = &user{id: userID, passwordHash: hash}
	return nil
}

// Verify returns the user id for valid credentials and "" otherwise. Errors are
// reserved for failures of the directory itself, which this one has none of.
func (u *Users) Verify(ctx context.Context, username, password string) (string, error) {
	u.mu.RLock()
	rec, ok := u.users[username]
	u.mu.RUnlock()

	hash := []byte(dummyHash)
	if ok {
		hash = rec.passwordHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return "", nil
	}
	return rec.id, nil
}
