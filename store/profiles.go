package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Profile is a known message recipient.
type Profile struct {
	UserID       string
	Username     string
	CurrentKeyID string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	LastReset    time.Time
}

const profileColumns = `user_id, username, COALESCE(current_key_id, ''), created_at, modified_at, COALESCE(last_reset, 0)`

func scanProfile(scan func(dest ...any) error) (*Profile, error) {
	var p Profile
	var created, modified, reset int64
	if err := scan(&p.UserID, &p.Username, &p.CurrentKeyID, &created, &modified, &reset); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.ModifiedAt = fromMillis(modified)
	if reset > 0 {
		p.LastReset = fromMillis(reset)
	}
	return &p, nil
}

// ProfilesByUsernames returns the profiles currently holding the usernames.
func (s *Store) ProfilesByUsernames(ctx context.Context, usernames []string) ([]Profile, error) {
	if len(usernames) == 0 {
		return []Profile{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inClause(usernames)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE username IN (`+in+`) ORDER BY username, user_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// GetProfile returns the profile of userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProfileLocked(ctx, userID)
}

func (s *Store) getProfileLocked(ctx context.Context, userID string) (*Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	return p, nil
}

// UpsertProfile creates the profile if absent, otherwise refreshes its
// username. The key of an existing profile is preserved.
func (s *Store) UpsertProfile(ctx context.Context, userID, username string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := toMillis(s.now())
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO profiles (user_id, username, created_at, modified_at, last_reset)
		VALUES (?, ?, ?, ?, ?)
	`, userID, username, now, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert profile: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET username = ?, last_reset = ?, modified_at = ? WHERE user_id = ?
	`, username, now, now, userID); err != nil {
		return nil, fmt.Errorf("failed to refresh profile: %w", err)
	}
	return s.getProfileLocked(ctx, userID)
}

// SetProfileKey records the provisioned key of a profile. Returns the number
// of rows updated so callers can detect a vanished profile.
func (s *Store) SetProfileKey(ctx context.Context, userID, keyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET current_key_id = ?, modified_at = ? WHERE user_id = ?`,
		keyID, toMillis(s.now()), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to set profile key: %w", err)
	}
	return result.RowsAffected()
}
