package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all session hashes.
	KeyPrefix = "session:"

	// TTL is the time-to-live for session keys in Redis.
	TTL = 1 * time.Hour
)

// Record is the mirrored view of a session stored in Redis.
type Record struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Status     string `redis:"status"`     // idle | searching | matched
	PartnerID  string `redis:"partner_id"` // empty unless matched
	Server     string `redis:"server"`     // which WS server instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store mirrors session state into Redis. The in-memory Table stays
// authoritative; failures here are logged by callers and never block a
// transition.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Create stores a new idle session record.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	key := KeyPrefix + sess.ID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sess.ID,
		"user_id":     sess.UserID,
		"status":      string(StateIdle),
		"partner_id":  "",
		"server":      s.serverName,
		"created_at":  sess.ConnectedAt.Unix(),
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Track records a state transition and refreshes the TTL.
func (s *Store) Track(ctx context.Context, connID string, state State, partnerID string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", string(state),
		"partner_id", partnerID,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirrored record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, KeyPrefix+connID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, KeyPrefix+connID).Err()
}

// PurgeServer deletes records left behind by a previous run of this server
// and returns how many were removed.
func (s *Store) PurgeServer(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, KeyPrefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("session: scan: %w", err)
		}
		for _, key := range keys {
			server, err := s.client.HGet(ctx, key, "server").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("session: read %s: %w", key, err)
			}
			if server != s.serverName {
				continue
			}
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("session: delete %s: %w", key, err)
			}
			removed++
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
