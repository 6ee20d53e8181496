package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetProfile returns a user's profile, or nil when none exists yet.
func (s *Store) GetProfile(groupID, userID string) (*Profile, error) {
	row := s.db.QueryRow(`
		SELECT group_id, user_id, nickname, last_seen, summary, traits, facts, updated_at, version
		FROM profiles
		WHERE group_id = ? AND user_id = ?
	`, groupID, userID)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) ProfilesForGroup(groupID string) ([]*Profile, error) {
	rows, err := s.db.Query(`
		SELECT group_id, user_id, nickname, last_seen, summary, traits, facts, updated_at, version
		FROM profiles
		WHERE group_id = ?
		ORDER BY user_id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	result := make([]*Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return result, nil
}

// TouchProfile records that a user was seen speaking, creating the
// profile row if needed and keeping the displayed nickname current.
// Derived fields are untouched.
func (s *Store) TouchProfile(groupID, userID, nickname string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO profiles (group_id, user_id, nickname, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (group_id, user_id)
		DO UPDATE SET nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE nickname END,
		              last_seen = excluded.last_seen
	`, groupID, userID, nickname, ts)
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

// Nicknames returns the id -> nickname map for a group, used as prompt
// context and by the attribution ladder.
func (s *Store) Nicknames(groupID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT user_id, nickname FROM profiles WHERE group_id = ? AND nickname != ''
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query nicknames: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var id, nick string
		if err := rows.Scan(&id, &nick); err != nil {
			return nil, fmt.Errorf("scan nickname: %w", err)
		}
		result[id] = nick
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nicknames: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var traitsJSON, factsJSON string
	if err := row.Scan(&p.GroupID, &p.UserID, &p.Nickname, &p.LastSeen, &p.Summary, &traitsJSON, &factsJSON, &p.UpdatedAt, &p.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	if err := json.Unmarshal([]byte(traitsJSON), &p.Traits); err != nil {
		return nil, fmt.Errorf("parse traits: %w", err)
	}
	if err := json.Unmarshal([]byte(factsJSON), &p.Facts); err != nil {
		return nil, fmt.Errorf("parse facts: %w", err)
	}
	if p.Traits == nil {
		p.Traits = map[string]float64{}
	}
	if p.Facts == nil {
		p.Facts = map[string]float64{}
	}
	return &p, nil
}
