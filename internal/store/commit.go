package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CommitRun applies a completed pipeline run atomically: evidence
// inserts, consistency-tag rewrites, key evictions, per-key cap
// pruning, profile replacements, snapshot message removal, and the run
// record all land in one transaction or not at all.
func (s *Store) CommitRun(cs CommitSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin run commit: %w", err)
	}
	defer tx.Rollback()

	touched := make(map[KeyRef]bool)
	for _, it := range cs.Evidence {
		if _, err := tx.Exec(`
			INSERT INTO evidence (group_id, user_id, item_type, item_key, snippet, message_id,
			                      speaker_id, message_ts, confidence, joke_likelihood, source_type,
			                      consistency_tag, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.GroupID, it.UserID, it.ItemType, it.Key, it.Snippet, it.MessageID,
			it.SpeakerID, it.MessageTS, it.Confidence, it.JokeLikelihood, it.SourceType,
			it.ConsistencyTag, it.CreatedAt); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		touched[KeyRef{UserID: it.UserID, ItemType: it.ItemType, Key: it.Key}] = true
	}

	for _, tag := range cs.Tags {
		if _, err := tx.Exec(`
			UPDATE evidence SET consistency_tag = ?
			WHERE group_id = ? AND user_id = ? AND item_type = ? AND item_key = ?
		`, tag.Tag, cs.GroupID, tag.UserID, tag.ItemType, tag.Key); err != nil {
			return fmt.Errorf("update consistency tag: %w", err)
		}
	}

	for _, ref := range cs.Evictions {
		if _, err := tx.Exec(`
			DELETE FROM evidence
			WHERE group_id = ? AND user_id = ? AND item_type = ? AND item_key = ?
		`, cs.GroupID, ref.UserID, ref.ItemType, ref.Key); err != nil {
			return fmt.Errorf("evict key evidence: %w", err)
		}
		delete(touched, ref)
	}

	if cs.MaxEvidencePerKey > 0 {
		for ref := range touched {
			if err := pruneKeyEvidence(tx, cs.GroupID, ref, cs.MaxEvidencePerKey); err != nil {
				return err
			}
		}
	}

	for _, p := range cs.Profiles {
		if err := applyProfileUpdate(tx, cs.GroupID, p); err != nil {
			return err
		}
	}

	if len(cs.RemoveMessageIDs) > 0 {
		deleteSQL := `DELETE FROM messages WHERE id IN (` + placeholders(len(cs.RemoveMessageIDs)) + `)`
		if _, err := tx.Exec(deleteSQL, idArgs(cs.RemoveMessageIDs)...); err != nil {
			return fmt.Errorf("consume snapshot: %w", err)
		}
	}

	if cs.Run.ID != "" {
		if err := insertRun(tx, cs.Run); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// pruneKeyEvidence caps one key's evidence at the newest max items.
// The ordering must match how confidence recomputation ranks evidence,
// message timestamp then message id, or the prune would retain a
// different window than the one the committed confidence was computed
// over.
func pruneKeyEvidence(tx *sql.Tx, groupID string, ref KeyRef, max int) error {
	_, err := tx.Exec(`
		DELETE FROM evidence
		WHERE group_id = ? AND user_id = ? AND item_type = ? AND item_key = ?
		  AND id NOT IN (
			SELECT id FROM evidence
			WHERE group_id = ? AND user_id = ? AND item_type = ? AND item_key = ?
			ORDER BY message_ts DESC, message_id DESC, id DESC
			LIMIT ?
		  )
	`, groupID, ref.UserID, ref.ItemType, ref.Key,
		groupID, ref.UserID, ref.ItemType, ref.Key, max)
	if err != nil {
		return fmt.Errorf("prune key evidence: %w", err)
	}
	return nil
}

func applyProfileUpdate(tx *sql.Tx, groupID string, p ProfileUpdate) error {
	traits := p.Traits
	if traits == nil {
		traits = map[string]float64{}
	}
	facts := p.Facts
	if facts == nil {
		facts = map[string]float64{}
	}
	traitsJSON, err := json.Marshal(traits)
	if err != nil {
		return fmt.Errorf("marshal traits: %w", err)
	}
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO profiles (group_id, user_id, summary, traits, facts, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (group_id, user_id)
		DO UPDATE SET summary = excluded.summary,
		              traits = excluded.traits,
		              facts = excluded.facts,
		              updated_at = excluded.updated_at,
		              version = version + 1
	`, groupID, p.UserID, p.Summary, string(traitsJSON), string(factsJSON), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("apply profile update: %w", err)
	}
	return nil
}
