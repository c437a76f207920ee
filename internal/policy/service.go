package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Limits carries the token bucket capacities. Buckets refill their full
// capacity over one hour.
type Limits struct {
	PerIP     int
	PerUser   int
	PerDomain int
}

// GreylistConfig controls the greylisting window.
type GreylistConfig struct {
	Enabled  bool
	MinDelay time.Duration
	MaxAge   time.Duration
}

// Service enforces policy decisions against a Store.
type Service struct {
	store    Store
	logger   *slog.Logger
	limits   Limits
	greylist GreylistConfig

	// mu serializes bucket read-modify-write cycles
	mu sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// NewService creates a policy service over the given store.
func NewService(store Store, logger *slog.Logger, limits Limits, greylist GreylistConfig) *Service {
	return &Service{
		store:    store,
		logger:   logger,
		limits:   limits,
		greylist: greylist,
		now:      time.Now,
	}
}

// CheckBlacklist reports whether any of the non-empty targets has an
// active blacklist rule.
func (s *Service) CheckBlacklist(ctx context.Context, targets ...string) (bool, error) {
	return s.checkRules(ctx, RuleBlacklist, targets)
}

// CheckWhitelist reports whether any of the non-empty targets has an
// active whitelist rule.
func (s *Service) CheckWhitelist(ctx context.Context, targets ...string) (bool, error) {
	return s.checkRules(ctx, RuleWhitelist, targets)
}

func (s *Service) checkRules(ctx context.Context, ruleType string, targets []string) (bool, error) {
	now := s.now()
	for _, target := range targets {
		if target == "" {
			continue
		}
		rule, err := s.store.GetRule(ctx, ruleType, target)
		if err != nil {
			return false, err
		}
		if rule != nil && rule.IsActive(now) {
			s.logger.Info("policy rule matched",
				slog.String("rule_type", ruleType),
				slog.String("target", target))
			return true, nil
		}
	}
	return false, nil
}

// AddRule stores a new enabled rule.
func (s *Service) AddRule(ctx context.Context, ruleType, target, reason string) (*Rule, error) {
	action := "reject"
	if ruleType == RuleWhitelist {
		action = "accept"
	}
	rule := NewRule(ruleType, target, action, reason)
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// RemoveRule deletes a rule. Returns whether it existed.
func (s *Service) RemoveRule(ctx context.Context, ruleType, target string) (bool, error) {
	return s.store.DeleteRule(ctx, ruleType, target)
}

// CheckIPRateLimit consumes one token from the per-IP bucket.
func (s *Service) CheckIPRateLimit(ctx context.Context, ip string) (bool, error) {
	return s.checkRateLimit(ctx, ip, LimitIP, s.limits.PerIP)
}

// CheckUserRateLimit consumes one token from the per-user bucket. A
// positive userLimit overrides the configured default (per-account limits).
func (s *Service) CheckUserRateLimit(ctx context.Context, username string, userLimit int) (bool, error) {
	limit := s.limits.PerUser
	if userLimit > 0 {
		limit = userLimit
	}
	return s.checkRateLimit(ctx, username, LimitUser, limit)
}

// CheckDomainRateLimit consumes one token from the per-sender-domain bucket.
func (s *Service) CheckDomainRateLimit(ctx context.Context, domain string) (bool, error) {
	return s.checkRateLimit(ctx, domain, LimitDomain, s.limits.PerDomain)
}

// checkRateLimit runs one token bucket cycle: load or create, consume,
// persist. Zero or negative capacity disables the limit.
func (s *Service) checkRateLimit(ctx context.Context, identifier, limitType string, capacity int) (bool, error) {
	if capacity <= 0 {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket, err := s.store.GetBucket(ctx, limitType, identifier)
	if err != nil {
		return false, err
	}
	if bucket == nil {
		// Full capacity refills over one hour
		bucket = NewRateBucket(identifier, limitType, capacity, float64(capacity)/3600, now)
	}

	allowed := bucket.Consume(1, now)

	if err := s.store.SaveBucket(ctx, bucket); err != nil {
		return false, err
	}

	if !allowed {
		s.logger.Warn("rate limit exceeded",
			slog.String("limit_type", limitType),
			slog.String("identifier", identifier))
	}
	return allowed, nil
}

// CheckGreylist applies greylisting to a sender/recipient/IP triplet.
// Returns whether the message should be accepted and a reason usable in
// the SMTP reply. Always accepts when greylisting is disabled.
func (s *Service) CheckGreylist(ctx context.Context, sender, recipient, ip string) (bool, string, error) {
	if !s.greylist.Enabled {
		return true, "", nil
	}

	now := s.now()
	triplet := TripletKey(sender, recipient, ip)

	entry, err := s.store.GetGreylist(ctx, triplet)
	if err != nil {
		return false, "", err
	}

	if entry == nil {
		entry = NewGreylistEntry(triplet, now)
		if err := s.store.SaveGreylist(ctx, entry); err != nil {
			return false, "", err
		}
		s.logger.Info("greylisted first sighting", slog.String("triplet", triplet))
		return false, "Greylisted - try again later", nil
	}

	entry.Update(now)

	if entry.ShouldDefer(s.greylist.MinDelay, s.greylist.MaxAge, now) {
		// A stale triplet starts the window over
		if now.Sub(entry.FirstSeen) > s.greylist.MaxAge {
			entry.FirstSeen = now
			entry.Passed = false
		}
		if err := s.store.SaveGreylist(ctx, entry); err != nil {
			return false, "", err
		}
		return false, "Greylisted - try again later", nil
	}

	entry.MarkPassed(now)
	if err := s.store.SaveGreylist(ctx, entry); err != nil {
		return false, "", err
	}
	s.logger.Info("greylist passed", slog.String("triplet", triplet))
	return true, "", nil
}

// Cleanup drops stale buckets and greylist entries from the store.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.store.Cleanup(ctx, time.Hour, 24*time.Hour)
}
