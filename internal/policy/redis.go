package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ruleKeyPrefix   = "mtad:policy:rule:"
	bucketKeyPrefix = "mtad:policy:bucket:"
	greyKeyPrefix   = "mtad:policy:grey:"
)

// RedisStore is a Store backed by Redis. Entries are JSON values; bucket
// and greylist keys carry TTLs so Redis expires idle state on its own.
type RedisStore struct {
	client      *redis.Client
	bucketTTL   time.Duration
	greylistTTL time.Duration
}

// NewRedisStore creates a policy store over an existing Redis client.
func NewRedisStore(client *redis.Client, bucketTTL, greylistTTL time.Duration) *RedisStore {
	if bucketTTL <= 0 {
		bucketTTL = time.Hour
	}
	if greylistTTL <= 0 {
		greylistTTL = 24 * time.Hour
	}
	return &RedisStore{
		client:      client,
		bucketTTL:   bucketTTL,
		greylistTTL: greylistTTL,
	}
}

// GetRule returns the rule for a target, or nil if absent.
func (s *RedisStore) GetRule(ctx context.Context, ruleType, target string) (*Rule, error) {
	var rule Rule
	if err := s.get(ctx, ruleKeyPrefix+ruleType+":"+target, &rule); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// SaveRule stores or replaces the rule. Expiring rules get a matching TTL.
func (s *RedisStore) SaveRule(ctx context.Context, rule *Rule) error {
	var ttl time.Duration
	if !rule.ExpiresAt.IsZero() {
		ttl = time.Until(rule.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return s.set(ctx, ruleKeyPrefix+rule.RuleType+":"+rule.Target, rule, ttl)
}

// DeleteRule removes the rule. Returns whether it existed.
func (s *RedisStore) DeleteRule(ctx context.Context, ruleType, target string) (bool, error) {
	n, err := s.client.Del(ctx, ruleKeyPrefix+ruleType+":"+target).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// ListRules returns all rules of one type.
func (s *RedisStore) ListRules(ctx context.Context, ruleType string) ([]*Rule, error) {
	var out []*Rule
	iter := s.client.Scan(ctx, 0, ruleKeyPrefix+ruleType+":*", 100).Iterator()
	for iter.Next(ctx) {
		var rule Rule
		if err := s.get(ctx, iter.Val(), &rule); err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		out = append(out, &rule)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// GetBucket returns the bucket for an identifier, or nil if absent.
func (s *RedisStore) GetBucket(ctx context.Context, limitType, identifier string) (*RateBucket, error) {
	var bucket RateBucket
	if err := s.get(ctx, bucketKeyPrefix+limitType+":"+identifier, &bucket); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &bucket, nil
}

// SaveBucket stores or replaces the bucket with a sliding TTL.
func (s *RedisStore) SaveBucket(ctx context.Context, bucket *RateBucket) error {
	return s.set(ctx, bucketKeyPrefix+bucket.LimitType+":"+bucket.Identifier, bucket, s.bucketTTL)
}

// GetGreylist returns the greylist entry for a triplet, or nil if absent.
func (s *RedisStore) GetGreylist(ctx context.Context, triplet string) (*GreylistEntry, error) {
	var entry GreylistEntry
	if err := s.get(ctx, greyKeyPrefix+triplet, &entry); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// SaveGreylist stores or replaces the entry with a sliding TTL.
func (s *RedisStore) SaveGreylist(ctx context.Context, entry *GreylistEntry) error {
	return s.set(ctx, greyKeyPrefix+entry.Triplet, entry, s.greylistTTL)
}

// Cleanup is a no-op: Redis expires bucket and greylist keys via the TTLs
// set on save.
func (s *RedisStore) Cleanup(ctx context.Context, bucketAge, greylistAge time.Duration) error {
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return err
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
