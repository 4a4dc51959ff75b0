// Package recipients turns the usernames of a post into keyed recipient
// profiles.
package recipients

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/domainerr"
	"github.com/mesmerverse/vettid-dev/messages/encryption"
	"github.com/mesmerverse/vettid-dev/messages/store"
)

// Profiles is the profile store.
type Profiles interface {
	ProfilesByUsernames(ctx context.Context, usernames []string) ([]store.Profile, error)
	UpsertProfile(ctx context.Context, userID, username string) (*store.Profile, error)
}

// Identity resolves usernames to user ids.
type Identity interface {
	UserIDsByUsername(ctx context.Context, usernames []string) (map[string]string, error)
}

// Keys resolves or provisions profile keys.
type Keys interface {
	ResolveOrProvision(ctx context.Context, profile *store.Profile) (string, []byte, error)
}

// Resolution is the outcome of resolving a recipient list.
type Resolution struct {
	Profiles []store.Profile
	// KeyByID holds the secret of every profile's current key.
	KeyByID map[string][]byte
	Unknown []string
	// Dropped counts profiles excluded because their key failed.
	Dropped int
}

// Zero wipes every resolved secret.
func (r *Resolution) Zero() {
	for _, s := range r.KeyByID {
		encryption.Zero(s)
	}
}

// Resolver resolves recipients.
type Resolver struct {
	profiles Profiles
	identity Identity
	keys     Keys
}

// NewResolver creates a recipient resolver.
func NewResolver(profiles Profiles, identity Identity, keys Keys) *Resolver {
	return &Resolver{profiles: profiles, identity: identity, keys: keys}
}

// Resolve loads or creates the profiles of usernames and resolves their keys.
// Profiles whose key cannot be resolved are dropped. Usernames no one knows
// are returned as Unknown.
func (r *Resolver) Resolve(ctx context.Context, usernames []string) (*Resolution, error) {
	const op = "recipients.resolve"
	names := dedupe(usernames)

	known, err := r.profiles.ProfilesByUsernames(ctx, names)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Internal, op, err)
	}
	matched := make(map[string]bool, len(known))
	seen := make(map[string]bool, len(known))
	candidates := make([]store.Profile, 0, len(names))
	for _, p := range known {
		matched[p.Username] = true
		if !seen[p.UserID] {
			seen[p.UserID] = true
			candidates = append(candidates, p)
		}
	}

	var unmatched []string
	for _, n := range names {
		if !matched[n] {
			unmatched = append(unmatched, n)
		}
	}

	res := &Resolution{KeyByID: map[string][]byte{}}

	if len(unmatched) > 0 {
		ids, err := r.identity.UserIDsByUsername(ctx, unmatched)
		if err != nil {
			log.Warn().Err(err).Strs("usernames", unmatched).Msg("Identity lookup failed")
			ids = nil
		}
		for _, n := range unmatched {
			userID, ok := ids[n]
			if !ok || userID == "" {
				res.Unknown = append(res.Unknown, n)
				continue
			}
			if seen[userID] {
				log.Debug().Str("username", n).Str("user_id", userID).Msg("Username names a recipient already listed")
				continue
			}
			seen[userID] = true
			p, err := r.profiles.UpsertProfile(ctx, userID, n)
			if err != nil {
				return nil, domainerr.Wrap(domainerr.Internal, op, err)
			}
			candidates = append(candidates, *p)
		}
	}

	for i := range candidates {
		p := candidates[i]
		keyID, secret, err := r.keys.ResolveOrProvision(ctx, &p)
		if err != nil {
			log.Warn().Err(err).Str("user_id", p.UserID).Msg("Dropping recipient without usable key")
			res.Dropped++
			continue
		}
		p.CurrentKeyID = keyID
		res.Profiles = append(res.Profiles, p)
		res.KeyByID[keyID] = secret
	}

	if len(res.KeyByID) != len(res.Profiles) {
		res.Zero()
		return nil, domainerr.New(domainerr.ConsistencyViolation, op,
			"%d keys resolved for %d profiles", len(res.KeyByID), len(res.Profiles))
	}
	return res, nil
}

func dedupe(usernames []string) []string {
	seen := make(map[string]bool, len(usernames))
	out := make([]string, 0, len(usernames))
	for _, n := range usernames {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
