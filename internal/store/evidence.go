package store

import (
	"database/sql"
	"fmt"
)

// EvidenceForKey returns every live item backing one (user, key),
// newest first. Confidence recomputation always runs over this full
// set, never just the latest additions.
func (s *Store) EvidenceForKey(groupID string, ref KeyRef) ([]EvidenceItem, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, user_id, item_type, item_key, snippet, message_id,
		       speaker_id, message_ts, confidence, joke_likelihood, source_type,
		       consistency_tag, created_at
		FROM evidence
		WHERE group_id = ? AND user_id = ? AND item_type = ? AND item_key = ?
		ORDER BY message_ts DESC, message_id DESC, id DESC
	`, groupID, ref.UserID, ref.ItemType, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("query key evidence: %w", err)
	}
	defer rows.Close()
	return scanEvidence(rows)
}

// EvidenceForUser returns all of a user's evidence grouped by
// (item_type, key).
func (s *Store) EvidenceForUser(groupID, userID string) (map[KeyRef][]EvidenceItem, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, user_id, item_type, item_key, snippet, message_id,
		       speaker_id, message_ts, confidence, joke_likelihood, source_type,
		       consistency_tag, created_at
		FROM evidence
		WHERE group_id = ? AND user_id = ?
		ORDER BY message_ts DESC, message_id DESC, id DESC
	`, groupID, userID)
	if err != nil {
		return nil, fmt.Errorf("query user evidence: %w", err)
	}
	defer rows.Close()

	items, err := scanEvidence(rows)
	if err != nil {
		return nil, err
	}
	byKey := make(map[KeyRef][]EvidenceItem)
	for _, it := range items {
		ref := KeyRef{UserID: it.UserID, ItemType: it.ItemType, Key: it.Key}
		byKey[ref] = append(byKey[ref], it)
	}
	return byKey, nil
}

func (s *Store) EvidenceCount(groupID string, ref KeyRef) (int, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM evidence
		WHERE group_id = ? AND user_id = ? AND item_type = ? AND item_key = ?
	`, groupID, ref.UserID, ref.ItemType, ref.Key)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("evidence count: %w", err)
	}
	return n, nil
}

func scanEvidence(rows *sql.Rows) ([]EvidenceItem, error) {
	result := make([]EvidenceItem, 0)
	for rows.Next() {
		var it EvidenceItem
		if err := rows.Scan(
			&it.ID,
			&it.GroupID,
			&it.UserID,
			&it.ItemType,
			&it.Key,
			&it.Snippet,
			&it.MessageID,
			&it.SpeakerID,
			&it.MessageTS,
			&it.Confidence,
			&it.JokeLikelihood,
			&it.SourceType,
			&it.ConsistencyTag,
			&it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return result, nil
}
