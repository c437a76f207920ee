package auth

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrLockedOut is returned when an IP has exceeded the failure budget and
// must wait out the lockout window.
var ErrLockedOut = errors.New("too many failed authentication attempts")

// ErrInvalidCredentials is returned for unknown users, disabled accounts,
// and password mismatches alike so a prober cannot tell them apart.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service authenticates users and tracks per-IP failures with lockout.
type Service struct {
	store       Store
	logger      *slog.Logger
	maxFailures int
	lockout     time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
	locked   map[string]time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewService creates an authentication service over the given store.
func NewService(store Store, logger *slog.Logger, maxFailures int, lockout time.Duration) *Service {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if lockout <= 0 {
		lockout = 5 * time.Minute
	}
	return &Service{
		store:       store,
		logger:      logger,
		maxFailures: maxFailures,
		lockout:     lockout,
		failures:    make(map[string][]time.Time),
		locked:      make(map[string]time.Time),
		now:         time.Now,
	}
}

// Authenticate verifies the username and password for a connection from
// peerIP. Unknown users and bad passwords count against the IP's failure
// budget; disabled accounts do not.
func (s *Service) Authenticate(username, password, peerIP string) (*User, error) {
	s.mu.Lock()
	if s.isLocked(peerIP) {
		s.mu.Unlock()
		s.logger.Warn("auth attempt from locked IP", slog.String("ip", peerIP))
		return nil, ErrLockedOut
	}
	s.mu.Unlock()

	user, err := s.store.Get(username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recordFailure(peerIP)
			s.logger.Warn("auth failed: unknown user", slog.String("username", username))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !user.Enabled {
		s.logger.Warn("auth attempt for disabled user", slog.String("username", username))
		return nil, ErrInvalidCredentials
	}

	if !user.VerifyPassword(password) {
		s.recordFailure(peerIP)
		s.logger.Warn("auth failed: bad password", slog.String("username", username))
		return nil, ErrInvalidCredentials
	}

	user.RecordLogin()
	if err := s.store.Save(user); err != nil {
		return nil, err
	}
	s.clearFailures(peerIP)

	s.logger.Info("user authenticated",
		slog.String("username", username),
		slog.String("ip", peerIP))
	return user, nil
}

// CreateUser creates a new enabled account.
func (s *Service) CreateUser(username, password string) (*User, error) {
	user, err := NewUser(username, password)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(user); err != nil {
		return nil, err
	}
	s.logger.Info("created user", slog.String("username", username))
	return user, nil
}

// ChangePassword rehashes and stores a new password for the user.
func (s *Service) ChangePassword(username, newPassword string) error {
	user, err := s.store.Get(username)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if err := s.store.Save(user); err != nil {
		return err
	}
	s.logger.Info("changed password", slog.String("username", username))
	return nil
}

// SetEnabled flips the enabled flag for the user.
func (s *Service) SetEnabled(username string, enabled bool) error {
	user, err := s.store.Get(username)
	if err != nil {
		return err
	}
	user.Enabled = enabled
	return s.store.Save(user)
}

// DeleteUser removes the account.
func (s *Service) DeleteUser(username string) error {
	if err := s.store.Delete(username); err != nil {
		return err
	}
	s.logger.Info("deleted user", slog.String("username", username))
	return nil
}

// GetUser returns the account by username.
func (s *Service) GetUser(username string) (*User, error) {
	return s.store.Get(username)
}

// ListUsers returns all accounts.
func (s *Service) ListUsers() ([]*User, error) {
	return s.store.List()
}

// isLocked reports whether the IP is inside a lockout window.
// Caller holds s.mu.
func (s *Service) isLocked(ip string) bool {
	until, ok := s.locked[ip]
	if !ok {
		return false
	}
	if s.now().Before(until) {
		return true
	}
	delete(s.locked, ip)
	delete(s.failures, ip)
	return false
}

func (s *Service) recordFailure(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	recent := s.failures[ip][:0]
	for _, t := range s.failures[ip] {
		if now.Sub(t) < s.lockout {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	s.failures[ip] = recent

	if len(recent) >= s.maxFailures {
		s.locked[ip] = now.Add(s.lockout)
		s.logger.Warn("locked IP after repeated auth failures",
			slog.String("ip", ip),
			slog.Int("failures", len(recent)))
	}
}

func (s *Service) clearFailures(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, ip)
	delete(s.locked, ip)
}
