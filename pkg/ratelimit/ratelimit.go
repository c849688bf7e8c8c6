// Package ratelimit enforces a sliding-window limit per
// {identityOrAnonymous, capability}. Only the root call of an invocation
// tree enforces; nested calls skip.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// Rule is a parsed "N/unit" configuration, where unit is second, minute or
// hour.
type Rule struct {
	Max      int
	WindowMs int64
}

// ParseRule parses "N/second|minute|hour" into a Rule.
func ParseRule(s string) (Rule, error) {
	n, unit, ok := strings.Cut(s, "/")
	if !ok {
		return Rule{}, fmt.Errorf("ratelimit: malformed rule %q", s)
	}
	max, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil {
		return Rule{}, fmt.Errorf("ratelimit: malformed count in %q: %w", s, err)
	}
	var windowMs int64
	switch strings.TrimSpace(unit) {
	case "second":
		windowMs = 1000
	case "minute":
		windowMs = 60_000
	case "hour":
		windowMs = 3_600_000
	default:
		return Rule{}, fmt.Errorf("ratelimit: unknown unit in %q", s)
	}
	return Rule{Max: max, WindowMs: windowMs}, nil
}

// Store abstracts the bucket backend so the limiter can run in-memory or
// against a shared Redis instance across mesh nodes.
type Store interface {
	// Increment bumps the bucket for key, resetting it if windowMs has
	// elapsed since the window started. Returns the post-increment count
	// and the epoch-ms the current window started at.
	Increment(key string, windowMs int64) (count int, windowStart int64, err error)
}

// Limiter holds the default rule, per-capability overrides (including
// namespace wildcards like "Billing.*"), and the backing Store.
type Limiter struct {
	mu       sync.RWMutex
	Default  Rule
	Overrides map[string]Rule
	store    Store
	clock    func() int64
}

// New builds a Limiter with the given default rule and backend store.
func New(defaultRule Rule, store Store) *Limiter {
	return &Limiter{
		Default:   defaultRule,
		Overrides: make(map[string]Rule),
		store:     store,
		clock:     nowMs,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// SetOverride installs a per-capability or wildcard ("X.*") rule.
func (l *Limiter) SetOverride(pattern string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Overrides[pattern] = rule
}

func (l *Limiter) ruleFor(fnName string) Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if r, ok := l.Overrides[fnName]; ok {
		return r
	}
	for pattern, r := range l.Overrides {
		if ns, ok := strings.CutSuffix(pattern, ".*"); ok {
			if strings.HasPrefix(fnName, ns+".") {
				return r
			}
		}
	}
	return l.Default
}

func bucketKey(identity *contracts.Identity, fnName string) string {
	who := "anonymous"
	if identity != nil && identity.ID != "" {
		who = identity.ID
	}
	return who + "|" + fnName
}

// IsAllowed reports whether the call is admitted within its window. It
// counts the call against the window, so each check consumes a slot.
func (l *Limiter) IsAllowed(identity *contracts.Identity, fnName string) (bool, error) {
	rule := l.ruleFor(fnName)
	key := bucketKey(identity, fnName)
	count, _, err := l.store.Increment(key, rule.WindowMs)
	if err != nil {
		return false, err
	}
	return count <= rule.Max, nil
}

// Enforce raises RATE_LIMITED with resetMs when the sliding window for
// {identity, fnName} is exhausted.
func (l *Limiter) Enforce(identity *contracts.Identity, fnName string) error {
	rule := l.ruleFor(fnName)
	key := bucketKey(identity, fnName)

	count, windowStart, err := l.store.Increment(key, rule.WindowMs)
	if err != nil {
		return chainerr.Newf(chainerr.CodeInternalError, fnName, "rate limiter store error: %v", err)
	}
	if count > rule.Max {
		resetMs := rule.WindowMs - (l.clock() - windowStart)
		if resetMs < 0 {
			resetMs = 0
		}
		return chainerr.Newf(chainerr.CodeRateLimited, fnName, "rate limit exceeded").
			WithMeta(map[string]any{"resetMs": resetMs})
	}
	return nil
}

// InMemoryStore is a process-local sliding-window bucket table.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*contracts.RateBucket
	clock   func() int64
}

// NewInMemoryStore builds an empty in-memory rate-limit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{buckets: make(map[string]*contracts.RateBucket), clock: nowMs}
}

func (s *InMemoryStore) Increment(key string, windowMs int64) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	bucket, ok := s.buckets[key]
	if !ok || now-bucket.WindowStart > windowMs {
		bucket = &contracts.RateBucket{Count: 0, WindowStart: now}
		s.buckets[key] = bucket
	}
	bucket.Count++
	return bucket.Count, bucket.WindowStart, nil
}
