// Package ratelimit throttles client actions with fixed-window counters in
// Redis. Chat actions are limited per session token, handshakes per remote
// address.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one limit: at most Limit hits per Window for each identifier,
// counted under Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 20 chat messages per 10 seconds per token.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleSearch allows 15 find_partner requests per minute per token.
	RuleSearch = Rule{Key: "rl:search:", Limit: 15, Window: time.Minute}

	// RuleConnect allows 30 handshakes per minute per address, enough for
	// a flaky mobile client reconnecting in a loop.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier and reports whether it is within
// rule. The counter and its remaining TTL are read in one round trip; a
// counter without a TTL gets the window, which also heals a key left
// behind by a failed EXPIRE. Redis errors allow the hit and are returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := l.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		pttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		log.Printf("[ratelimit] count key=%s: %v (failing open)", key, err)
		return true, fmt.Errorf("ratelimit: count %s: %w", key, err)
	}

	if pttl.Val() < 0 {
		if err := l.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] expire key=%s: %v (failing open)", key, err)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	return incr.Val() <= int64(rule.Limit), nil
}

// RetryAfter returns the whole seconds, rounded up, until identifier's
// window resets, or 0 when no window is open. Redis errors return the
// full window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return ceilSeconds(rule.Window), fmt.Errorf("ratelimit: ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ceilSeconds(ttl), nil
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
