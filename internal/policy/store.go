package policy

import (
	"context"
	"sync"
	"time"
)

// Store persists policy state. Get methods return nil without error when
// the entry does not exist.
type Store interface {
	GetRule(ctx context.Context, ruleType, target string) (*Rule, error)
	SaveRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, ruleType, target string) (bool, error)
	ListRules(ctx context.Context, ruleType string) ([]*Rule, error)

	GetBucket(ctx context.Context, limitType, identifier string) (*RateBucket, error)
	SaveBucket(ctx context.Context, bucket *RateBucket) error

	GetGreylist(ctx context.Context, triplet string) (*GreylistEntry, error)
	SaveGreylist(ctx context.Context, entry *GreylistEntry) error

	// Cleanup drops buckets idle longer than bucketAge and greylist
	// entries unseen longer than greylistAge.
	Cleanup(ctx context.Context, bucketAge, greylistAge time.Duration) error
}

// MemoryStore is an in-memory Store guarded by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	rules    map[string]*Rule // keyed by ruleType + ":" + target
	buckets  map[string]*RateBucket
	greylist map[string]*GreylistEntry
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[string]*Rule),
		buckets:  make(map[string]*RateBucket),
		greylist: make(map[string]*GreylistEntry),
	}
}

func ruleKey(ruleType, target string) string {
	return ruleType + ":" + target
}

func bucketKey(limitType, identifier string) string {
	return limitType + ":" + identifier
}

// GetRule returns the rule for a target, or nil if absent.
func (s *MemoryStore) GetRule(ctx context.Context, ruleType, target string) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleKey(ruleType, target)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// SaveRule stores or replaces the rule.
func (s *MemoryStore) SaveRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules[ruleKey(rule.RuleType, rule.Target)] = &cp
	return nil
}

// DeleteRule removes the rule. Returns whether it existed.
func (s *MemoryStore) DeleteRule(ctx context.Context, ruleType, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(ruleType, target)
	if _, ok := s.rules[key]; !ok {
		return false, nil
	}
	delete(s.rules, key)
	return true, nil
}

// ListRules returns all rules of one type.
func (s *MemoryStore) ListRules(ctx context.Context, ruleType string) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.RuleType == ruleType {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetBucket returns the bucket for an identifier, or nil if absent.
func (s *MemoryStore) GetBucket(ctx context.Context, limitType, identifier string) (*RateBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketKey(limitType, identifier)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// SaveBucket stores or replaces the bucket.
func (s *MemoryStore) SaveBucket(ctx context.Context, bucket *RateBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *bucket
	s.buckets[bucketKey(bucket.LimitType, bucket.Identifier)] = &cp
	return nil
}

// GetGreylist returns the greylist entry for a triplet, or nil if absent.
func (s *MemoryStore) GetGreylist(ctx context.Context, triplet string) (*GreylistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.greylist[triplet]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// SaveGreylist stores or replaces the greylist entry.
func (s *MemoryStore) SaveGreylist(ctx context.Context, entry *GreylistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.greylist[entry.Triplet] = &cp
	return nil
}

// Cleanup drops idle buckets and stale greylist entries.
func (s *MemoryStore) Cleanup(ctx context.Context, bucketAge, greylistAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, b := range s.buckets {
		if now.Sub(b.LastRefill) >= bucketAge {
			delete(s.buckets, key)
		}
	}
	for key, e := range s.greylist {
		if now.Sub(e.LastSeen) >= greylistAge {
			delete(s.greylist, key)
		}
	}
	return nil
}
