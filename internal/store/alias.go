package store

import (
	"database/sql"
	"fmt"
)

const maxAliasesPerPair = 4

// CommitAliasRun applies the outcome of one alias-analysis run in a
// single transaction: upsert the parsed entries, prune each
// (speaker, target) pair to its top entries, consume the processed
// alias-queue rows, and record the run. Nothing is written on error.
func (s *Store) CommitAliasRun(entries []AliasEntry, removeIDs []int64, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin alias commit: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := upsertAlias(tx, e); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := pruneAliasPair(tx, e.GroupID, e.SpeakerID, e.TargetID); err != nil {
			return err
		}
	}

	if len(removeIDs) > 0 {
		deleteSQL := `DELETE FROM alias_queue WHERE id IN (` + placeholders(len(removeIDs)) + `)`
		if _, err := tx.Exec(deleteSQL, idArgs(removeIDs)...); err != nil {
			return fmt.Errorf("consume alias queue: %w", err)
		}
	}

	if err := insertRun(tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alias run: %w", err)
	}
	return nil
}

func upsertAlias(tx *sql.Tx, e AliasEntry) error {
	_, err := tx.Exec(`
		INSERT INTO alias_map (group_id, speaker_id, target_id, alias, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, speaker_id, target_id, alias)
		DO UPDATE SET confidence = excluded.confidence, updated_at = excluded.updated_at
	`, e.GroupID, e.SpeakerID, e.TargetID, e.Alias, e.Confidence, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert alias: %w", err)
	}
	return nil
}

// pruneAliasPair keeps the top entries per (speaker, target) by
// confidence, most recent first on ties.
func pruneAliasPair(tx *sql.Tx, groupID, speakerID, targetID string) error {
	_, err := tx.Exec(`
		DELETE FROM alias_map
		WHERE group_id = ? AND speaker_id = ? AND target_id = ?
		  AND rowid NOT IN (
			SELECT rowid FROM alias_map
			WHERE group_id = ? AND speaker_id = ? AND target_id = ?
			ORDER BY confidence DESC, updated_at DESC
			LIMIT ?
		  )
	`, groupID, speakerID, targetID, groupID, speakerID, targetID, maxAliasesPerPair)
	if err != nil {
		return fmt.Errorf("prune alias pair: %w", err)
	}
	return nil
}

// AliasesForSpeaker returns everything one speaker calls other people,
// confidence-sorted, for attribution lookups.
func (s *Store) AliasesForSpeaker(groupID, speakerID string) ([]AliasEntry, error) {
	rows, err := s.db.Query(`
		SELECT group_id, speaker_id, target_id, alias, confidence, updated_at
		FROM alias_map
		WHERE group_id = ? AND speaker_id = ?
		ORDER BY confidence DESC, updated_at DESC
	`, groupID, speakerID)
	if err != nil {
		return nil, fmt.Errorf("query speaker aliases: %w", err)
	}
	defer rows.Close()
	return scanAliases(rows)
}

func (s *Store) AliasesForGroup(groupID string) ([]AliasEntry, error) {
	rows, err := s.db.Query(`
		SELECT group_id, speaker_id, target_id, alias, confidence, updated_at
		FROM alias_map
		WHERE group_id = ?
		ORDER BY speaker_id, target_id, confidence DESC, updated_at DESC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group aliases: %w", err)
	}
	defer rows.Close()
	return scanAliases(rows)
}

func scanAliases(rows *sql.Rows) ([]AliasEntry, error) {
	result := make([]AliasEntry, 0)
	for rows.Next() {
		var e AliasEntry
		if err := rows.Scan(&e.GroupID, &e.SpeakerID, &e.TargetID, &e.Alias, &e.Confidence, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aliases: %w", err)
	}
	return result, nil
}
