package store

import "fmt"

// Enqueue appends a message to its group's queue and returns the
// assigned id. Safe to call while a run holds a snapshot: snapshots
// remove only the ids they saw.
func (s *Store) Enqueue(m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO messages (group_id, speaker_id, ts, raw_text)
		VALUES (?, ?, ?, ?)
	`, m.GroupID, m.SpeakerID, m.TS, m.RawText)
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue message id: %w", err)
	}
	return id, nil
}

// Snapshot returns up to limit pending messages for a group, oldest
// first. The queue is not mutated; the returned ids are the exact set
// a later CommitRun may remove.
func (s *Store) Snapshot(groupID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, group_id, speaker_id, ts, raw_text
		FROM messages
		WHERE group_id = ?
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SpeakerID, &m.TS, &m.RawText); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return msgs, nil
}

func (s *Store) PendingCount(groupID string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE group_id = ?`, groupID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// OldestPendingTS returns the timestamp of the oldest queued message
// for a group, or 0 when the queue is empty.
func (s *Store) OldestPendingTS(groupID string) (int64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(MIN(ts), 0) FROM messages WHERE group_id = ?`, groupID)
	var ts int64
	if err := row.Scan(&ts); err != nil {
		return 0, fmt.Errorf("oldest pending ts: %w", err)
	}
	return ts, nil
}

// GroupIDs lists every group known from queued messages or profiles,
// for forced fan-out runs.
func (s *Store) GroupIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT group_id FROM messages
		UNION
		SELECT group_id FROM profiles
		ORDER BY group_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]string, 0)
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// EnqueueAliasCandidate mirrors a message carrying an addressing marker
// into the alias queue. Alias runs consume this queue independently of
// update runs, so an alias pass never steals messages from extraction.
func (s *Store) EnqueueAliasCandidate(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO alias_queue (group_id, speaker_id, ts, raw_text)
		VALUES (?, ?, ?, ?)
	`, m.GroupID, m.SpeakerID, m.TS, m.RawText)
	if err != nil {
		return fmt.Errorf("enqueue alias candidate: %w", err)
	}
	return nil
}

func (s *Store) AliasQueueCount(groupID string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM alias_queue WHERE group_id = ?`, groupID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("alias queue count: %w", err)
	}
	return n, nil
}

func (s *Store) AliasSnapshot(groupID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, group_id, speaker_id, ts, raw_text
		FROM alias_queue
		WHERE group_id = ?
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot alias queue: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SpeakerID, &m.TS, &m.RawText); err != nil {
			return nil, fmt.Errorf("scan alias candidate: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alias snapshot: %w", err)
	}
	return msgs, nil
}
