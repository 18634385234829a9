// Package ban keeps per-identity bans in Redis with TTL expiry:
//
//	ban:<user_id>       -> reason, TTL = ban duration
//	offenses:<user_id>  -> moderation offense counter, 24h window
//	reports:<user_id>   -> abuse report counter, 24h window
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix      = "ban:"
	OffensesPrefix = "offenses:"
	ReportsPrefix  = "reports:"

	// Escalation ladder.
	FirstOffense  = 15 * time.Minute
	SecondOffense = 1 * time.Hour
	RepeatOffense = 24 * time.Hour

	// CounterWindow is how long offense and report counters live after their
	// first increment.
	CounterWindow = 24 * time.Hour

	// AutoBanThreshold is the number of reports inside CounterWindow that
	// bans the reported identity.
	AutoBanThreshold = 3

	ReasonMultipleReports = "multiple_reports"
)

// Status describes the ban state of an identity.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check returns the ban status of userID. Callers decide the failure policy
// on error; connection admission fails open.
func (s *Store) Check(ctx context.Context, userID string) (Status, error) {
	key := KeyPrefix + userID

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if errors.Is(get.Err(), redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: get.Val()}
	if d := ttl.Val(); d > 0 {
		st.Remaining = d
	}
	return st, nil
}

// Ban bans userID for duration.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, KeyPrefix+userID, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// Duration returns the ban length for the n-th offense inside the window.
func Duration(n int) time.Duration {
	switch {
	case n <= 1:
		return FirstOffense
	case n == 2:
		return SecondOffense
	default:
		return RepeatOffense
	}
}

// Escalate records a moderation offense and bans userID for the escalated
// duration, which it returns.
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	n, err := s.bump(ctx, OffensesPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}
	d := Duration(n)
	if err := s.Ban(ctx, userID, d, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}
	return d, nil
}

// ReportAndCheck counts a report against userID and bans it once
// AutoBanThreshold reports landed inside the window.
func (s *Store) ReportAndCheck(ctx context.Context, userID string) (bool, time.Duration, error) {
	n, err := s.bump(ctx, ReportsPrefix+userID)
	if err != nil {
		return false, 0, fmt.Errorf("ban: report: %w", err)
	}
	if n < AutoBanThreshold {
		return false, 0, nil
	}
	d := Duration(n - AutoBanThreshold + 1)
	if err := s.Ban(ctx, userID, d, ReasonMultipleReports); err != nil {
		return false, 0, fmt.Errorf("ban: report: %w", err)
	}
	return true, d, nil
}

// Offenses returns the live moderation offense count of userID.
func (s *Store) Offenses(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, OffensesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// bump increments a counter and starts its window on the first hit so the
// window never slides.
func (s *Store) bump(ctx context.Context, key string) (int, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, CounterWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}
