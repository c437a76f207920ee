// Package policy provides connection-time policy enforcement: blacklists
// and whitelists, token bucket rate limits, and greylisting.
package policy

import (
	"fmt"
	"time"
)

// Rule types.
const (
	RuleBlacklist = "blacklist"
	RuleWhitelist = "whitelist"
)

// Rate limit scopes.
const (
	LimitIP     = "ip"
	LimitUser   = "user"
	LimitDomain = "domain"
)

// Rule is a blacklist or whitelist entry. Target may be an IP address,
// a domain, or a full email address.
type Rule struct {
	RuleID    string    `json:"rule_id"`
	RuleType  string    `json:"rule_type"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NewRule creates an enabled rule for the target.
func NewRule(ruleType, target, action, reason string) *Rule {
	now := time.Now()
	return &Rule{
		RuleID:    fmt.Sprintf("%s_%d_%s", ruleType[:2], now.Unix(), target),
		RuleType:  ruleType,
		Target:    target,
		Action:    action,
		Reason:    reason,
		Enabled:   true,
		CreatedAt: now,
	}
}

// IsActive reports whether the rule is enabled and not expired at now.
func (r *Rule) IsActive(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(r.ExpiresAt)
}

// RateBucket is token bucket state for one identifier.
type RateBucket struct {
	Identifier string    `json:"identifier"`
	LimitType  string    `json:"limit_type"`
	Capacity   int       `json:"capacity"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refill_rate"` // tokens per second
	LastRefill time.Time `json:"last_refill"`

	TotalRequests    int `json:"total_requests"`
	RejectedRequests int `json:"rejected_requests"`
}

// NewRateBucket creates a full bucket.
func NewRateBucket(identifier, limitType string, capacity int, refillRate float64, now time.Time) *RateBucket {
	return &RateBucket{
		Identifier: identifier,
		LimitType:  limitType,
		Capacity:   capacity,
		Tokens:     float64(capacity),
		RefillRate: refillRate,
		LastRefill: now,
	}
}

// Refill adds tokens for the time elapsed since the last refill, capped at
// capacity.
func (b *RateBucket) Refill(now time.Time) {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens = min(float64(b.Capacity), b.Tokens+elapsed*b.RefillRate)
	}
	b.LastRefill = now
}

// Consume refills and then tries to take n tokens. Returns true if the
// request is allowed.
func (b *RateBucket) Consume(n int, now time.Time) bool {
	b.Refill(now)
	b.TotalRequests++

	if b.Tokens >= float64(n) {
		b.Tokens -= float64(n)
		return true
	}
	b.RejectedRequests++
	return false
}

// GreylistEntry tracks one sender/recipient/IP triplet.
type GreylistEntry struct {
	Triplet   string    `json:"triplet"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Attempts  int       `json:"attempts"`
	Passed    bool      `json:"passed"`
}

// TripletKey builds the greylist key for a sender, recipient, and client IP.
func TripletKey(sender, recipient, ip string) string {
	return sender + ":" + recipient + ":" + ip
}

// NewGreylistEntry records the first sighting of a triplet.
func NewGreylistEntry(triplet string, now time.Time) *GreylistEntry {
	return &GreylistEntry{
		Triplet:   triplet,
		FirstSeen: now,
		LastSeen:  now,
		Attempts:  1,
	}
}

// ShouldDefer reports whether a retry at now is still outside the
// acceptance window: too soon after first sight, or so late the triplet
// has gone stale.
func (e *GreylistEntry) ShouldDefer(minDelay, maxAge time.Duration, now time.Time) bool {
	age := now.Sub(e.FirstSeen)
	return age < minDelay || age > maxAge
}

// Update records a retry of this triplet.
func (e *GreylistEntry) Update(now time.Time) {
	e.LastSeen = now
	e.Attempts++
}

// MarkPassed records that the triplet cleared greylisting.
func (e *GreylistEntry) MarkPassed(now time.Time) {
	e.Passed = true
	e.LastSeen = now
}
