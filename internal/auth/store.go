package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrUserNotFound is returned when a username has no account.
var ErrUserNotFound = errors.New("user not found")

// Store persists user accounts.
type Store interface {
	Get(username string) (*User, error)
	Save(user *User) error
	Delete(username string) error
	List() ([]*User, error)
}

// MemoryStore is an in-memory Store guarded by a mutex.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

// Get returns the user by username.
func (s *MemoryStore) Get(username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// Save stores or replaces the user.
func (s *MemoryStore) Save(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.Username] = &cp
	return nil
}

// Delete removes the user by username.
func (s *MemoryStore) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, username)
	return nil
}

// List returns all users sorted by username.
func (s *MemoryStore) List() ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// FileStore persists users as a JSON object keyed by username. The whole
// file is rewritten on every change; account counts are small.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens a JSON file user store, creating an empty file if
// none exists.
func NewFileStore(path string) (*FileStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating users directory: %w", err)
		}
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			return nil, fmt.Errorf("creating users file: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Get returns the user by username.
func (s *FileStore) Get(username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.load()
	if err != nil {
		return nil, err
	}
	u, ok := users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// Save stores or replaces the user.
func (s *FileStore) Save(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.load()
	if err != nil {
		return err
	}
	cp := *user
	users[user.Username] = &cp
	return s.write(users)
}

// Delete removes the user by username.
func (s *FileStore) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := users[username]; !ok {
		return ErrUserNotFound
	}
	delete(users, username)
	return s.write(users)
}

// List returns all users sorted by username.
func (s *FileStore) List() ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *FileStore) load() (map[string]*User, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	users := make(map[string]*User)
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	return users, nil
}

func (s *FileStore) write(users map[string]*User) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding users: %w", err)
	}
	// Write-then-rename so a crash never leaves a truncated file
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing users file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing users file: %w", err)
	}
	return nil
}
