package store

import (
	"database/sql"
	"fmt"
)

func insertRun(tx *sql.Tx, run RunRecord) error {
	_, err := tx.Exec(`
		INSERT INTO run_log (id, group_id, kind, status, detail, users, messages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.GroupID, run.Kind, run.Status, run.Detail, run.Users, run.Messages, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// AppendRun records a run outcome outside a commit transaction,
// used for aborted runs that otherwise mutate nothing.
func (s *Store) AppendRun(run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin run record: %w", err)
	}
	defer tx.Rollback()

	if err := insertRun(tx, run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run record: %w", err)
	}
	return nil
}

func (s *Store) RecentRuns(groupID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, group_id, kind, status, detail, users, messages, created_at
		FROM run_log
		WHERE group_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run log: %w", err)
	}
	defer rows.Close()

	result := make([]RunRecord, 0)
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.GroupID, &r.Kind, &r.Status, &r.Detail, &r.Users, &r.Messages, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run log: %w", err)
	}
	return result, nil
}
