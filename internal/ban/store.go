// Package ban keeps address bans in Redis. Session tokens are chosen by
// the client and can be rotated at will, so every ban and every offense
// counter is keyed by the remote address seen at the handshake.
//
//	ban:addr:<addr>      reason, TTL = remaining ban
//	ban:offenses:<addr>  moderation offenses in the current window
//	ban:reports:<addr>   partner reports in the current window
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	addrPrefix    = "ban:addr:"
	offensePrefix = "ban:offenses:"
	reportPrefix  = "ban:reports:"
)

const (
	// CounterWindow is how long offense and report counters live after
	// their first increment.
	CounterWindow = 24 * time.Hour

	// ReportThreshold is the number of reports within CounterWindow that
	// bans an address.
	ReportThreshold = 3

	// ReasonReports is recorded for bans triggered by partner reports.
	ReasonReports = "multiple_reports"
)

// schedule is the ban length for the n-th strike, the last entry
// repeating.
var schedule = []time.Duration{
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// durationFor returns the ban length for strike n (1-based).
func durationFor(n int64) time.Duration {
	if n < 1 {
		n = 1
	}
	if int(n) > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[n-1]
}

// Status describes an active ban.
type Status struct {
	Reason    string
	Remaining time.Duration
}

// RetryAfter returns the remaining ban in whole seconds, at least 1.
func (s *Status) RetryAfter() int {
	secs := int(s.Remaining.Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// Store manages address bans.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check returns the active ban for addr, or nil when addr is free.
func (s *Store) Check(ctx context.Context, addr string) (*Status, error) {
	key := addrPrefix + addr

	var get *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, key)
		ttl = p.TTL(ctx, key)
		return nil
	})
	if errors.Is(get.Err(), redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: check %s: %w", addr, err)
	}

	st := &Status{Reason: get.Val()}
	if d := ttl.Val(); d > 0 {
		st.Remaining = d
	}
	return st, nil
}

// Ban bans addr for d.
func (s *Store) Ban(ctx context.Context, addr string, d time.Duration, reason string) error {
	if err := s.client.Set(ctx, addrPrefix+addr, reason, d).Err(); err != nil {
		return fmt.Errorf("ban: set %s: %w", addr, err)
	}
	return nil
}

// Lift removes any ban on addr. Counters are kept.
func (s *Store) Lift(ctx context.Context, addr string) error {
	if err := s.client.Del(ctx, addrPrefix+addr).Err(); err != nil {
		return fmt.Errorf("ban: lift %s: %w", addr, err)
	}
	return nil
}

// Offenses returns the moderation offenses recorded for addr in the
// current window.
func (s *Store) Offenses(ctx context.Context, addr string) (int, error) {
	n, err := s.client.Get(ctx, offensePrefix+addr).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offenses %s: %w", addr, err)
	}
	return n, nil
}

// Escalate records a moderation offense for addr and bans it. Each strike
// within CounterWindow bans for longer: 15m, 1h, then 24h.
func (s *Store) Escalate(ctx context.Context, addr, reason string) (time.Duration, error) {
	n, err := s.bump(ctx, offensePrefix+addr)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate %s: %w", addr, err)
	}
	d := durationFor(n)
	if err := s.Ban(ctx, addr, d, reason); err != nil {
		return 0, err
	}
	return d, nil
}

// RecordReport counts a partner report against addr and bans it once
// ReportThreshold reports land within CounterWindow. banned is false and
// d zero while the address stays under the threshold.
func (s *Store) RecordReport(ctx context.Context, addr string) (banned bool, d time.Duration, err error) {
	n, err := s.bump(ctx, reportPrefix+addr)
	if err != nil {
		return false, 0, fmt.Errorf("ban: report %s: %w", addr, err)
	}
	if n < ReportThreshold {
		return false, 0, nil
	}
	d = durationFor(n - ReportThreshold + 1)
	if err := s.Ban(ctx, addr, d, ReasonReports); err != nil {
		return false, 0, err
	}
	return true, d, nil
}

// bump increments a fixed-window counter. The window starts at the first
// increment and does not slide.
func (s *Store) bump(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, CounterWindow).Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}
