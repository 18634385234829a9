// Package profile resolves user profiles and produces the public projection
// shown to anonymous random-chat partners.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no profile exists for an identity.
var ErrNotFound = errors.New("profile: not found")

// Profile is the full profile record. Email and Phone never leave the server.
type Profile struct {
	UserID    string
	Name      string
	Location  string
	AvatarURL string
	Email     string
	Phone     string
}

// Public is the projection a random-chat partner is allowed to see.
type Public struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Avatar   string `json:"avatar"`
}

// Public returns the partner-facing projection of p.
func (p *Profile) Public() Public {
	return Public{
		Name:     p.Name,
		Location: p.Location,
		Avatar:   p.AvatarURL,
	}
}

// Resolver looks up a profile by identity.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*Profile, error)
}

// PGResolver reads profiles from the profiles table owned by the profile
// service.
type PGResolver struct {
	db *sql.DB
}

// NewPGResolver creates a resolver backed by db.
func NewPGResolver(db *sql.DB) *PGResolver {
	return &PGResolver{db: db}
}

// Resolve returns the profile for userID or ErrNotFound.
func (r *PGResolver) Resolve(ctx context.Context, userID string) (*Profile, error) {
	const query = `
		SELECT user_id, name, location, avatar_url, email, phone
		FROM profiles
		WHERE user_id = $1`

	p := &Profile{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Name, &p.Location, &p.AvatarURL, &p.Email, &p.Phone,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: resolve %s: %w", userID, err)
	}
	return p, nil
}

// StaticResolver serves profiles from memory.
type StaticResolver struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewStaticResolver creates a resolver preloaded with profiles.
func NewStaticResolver(profiles ...*Profile) *StaticResolver {
	r := &StaticResolver{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.UserID] = p
	}
	return r
}

// Put adds or replaces a profile.
func (r *StaticResolver) Put(p *Profile) {
	r.mu.Lock()
	r.profiles[p.UserID] = p
	r.mu.Unlock()
}

// Resolve returns a copy of the stored profile or ErrNotFound.
func (r *StaticResolver) Resolve(_ context.Context, userID string) (*Profile, error) {
	r.mu.RLock()
	p, ok := r.profiles[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}
