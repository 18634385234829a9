// Package ratelimit throttles inbound actions with fixed Redis windows
// (INCR, then EXPIRE on the first hit). Connection admission is keyed by
// client IP; chat actions are keyed by connection id.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a limit of Limit hits per Window under a Redis key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleRandomMessage allows 5 random chat messages per 10 seconds per connection.
	RuleRandomMessage = Rule{Key: "rl:rmsg:", Limit: 5, Window: 10 * time.Second}

	// RulePrivateMessage allows 20 private chat messages per 10 seconds per connection.
	RulePrivateMessage = Rule{Key: "rl:pmsg:", Limit: 20, Window: 10 * time.Second}

	// RuleJoin allows 10 join-random or next requests per minute per connection.
	RuleJoin = Rule{Key: "rl:join:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 WebSocket upgrades per minute per client IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter counts hits in Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records a hit for id and reports whether it is within rule. Redis
// failures fail open: the hit is allowed and the error returned for logging.
func (l *Limiter) Allow(ctx context.Context, id string, rule Rule) (bool, error) {
	key := rule.Key + id

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	return int(incr.Val()) <= rule.Limit, nil
}

// Remaining returns the hits id has left in the current window of rule.
func (l *Limiter) Remaining(ctx context.Context, id string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+id).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	if count >= rule.Limit {
		return 0, nil
	}
	return rule.Limit - count, nil
}
