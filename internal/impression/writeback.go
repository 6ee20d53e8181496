package impression

import (
	"sort"
	"time"

	"github.com/stellarlinkco/impressiond/internal/store"
)

// buildCommit turns phase outputs into one CommitSet: new evidence rows
// under the merged final keys, recomputed aggregate confidences over
// the retained evidence window, evictions for keys that fell below the
// floor or were dropped by the merge, and the replacement profiles.
func (p *Pipeline) buildCommit(groupID string, outputs map[string]userOutput, byID map[int64]store.Message, profiles map[string]*store.Profile, snapshotIDs []int64, rec store.RunRecord) (store.CommitSet, error) {
	now := time.Now()
	cs := store.CommitSet{
		GroupID:           groupID,
		MaxEvidencePerKey: p.maxPerKey,
		RemoveMessageIDs:  snapshotIDs,
		Run:               rec,
	}

	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, userID := range ids {
		out := outputs[userID]
		traits, err := p.commitKeys(&cs, groupID, userID, "trait", out.final.Traits, out.candidates.Traits, out.final.Mapping["traits"], out.final.Consistency["traits"], byID, now)
		if err != nil {
			return store.CommitSet{}, err
		}
		facts, err := p.commitKeys(&cs, groupID, userID, "fact", out.final.Facts, out.candidates.Facts, out.final.Mapping["facts"], out.final.Consistency["facts"], byID, now)
		if err != nil {
			return store.CommitSet{}, err
		}

		// Keys the merge dropped or renamed away lose their evidence
		// too, so nothing in the store backs a key the profile no
		// longer holds.
		if prof := profiles[userID]; prof != nil {
			evictDropped(&cs, userID, "trait", prof.Traits, out.final.Traits)
			evictDropped(&cs, userID, "fact", prof.Facts, out.final.Facts)
		}

		cs.Profiles = append(cs.Profiles, store.ProfileUpdate{
			UserID:    userID,
			Summary:   out.summary,
			Traits:    traits,
			Facts:     facts,
			UpdatedAt: now.Unix(),
		})
	}
	return cs, nil
}

// commitKeys scores every final key of one item type. New evidence is
// built from the Phase1 signals routed through the Phase2 mapping,
// capped newest-first alongside the already stored rows, and the
// aggregate confidence is computed over that retained window. Keys
// below the floor are evicted instead of written.
func (p *Pipeline) commitKeys(cs *store.CommitSet, groupID, userID, itemType string, finals []string, candidates map[string][]Signal, mapping map[string][]string, tags map[string]string, byID map[int64]store.Message, now time.Time) (map[string]float64, error) {
	confs := make(map[string]float64, len(finals))
	for _, key := range finals {
		tag := tags[key]
		newItems := p.evidenceForKey(groupID, userID, itemType, key, candidates, mapping[key], tag, byID, now)

		ref := store.KeyRef{UserID: userID, ItemType: itemType, Key: key}
		existing, err := p.store.EvidenceForKey(groupID, ref)
		if err != nil {
			return nil, err
		}
		if tag != "" {
			for i := range existing {
				existing[i].ConsistencyTag = tag
			}
		}

		retained := capNewest(append(newItems, existing...), p.maxPerKey)
		conf := AggregateConfidence(retained, now, p.params)
		if conf < p.params.MinConfidence {
			cs.Evictions = append(cs.Evictions, ref)
			continue
		}

		cs.Evidence = append(cs.Evidence, newItems...)
		if tag != "" && len(existing) > 0 {
			cs.Tags = append(cs.Tags, store.TagUpdate{KeyRef: ref, Tag: tag})
		}
		confs[key] = conf
	}
	return confs, nil
}

// evidenceForKey materializes evidence rows for one final key from the
// candidate signals it absorbed. Duplicate message ids across merged
// candidates collapse to the first occurrence.
func (p *Pipeline) evidenceForKey(groupID, userID, itemType, key string, candidates map[string][]Signal, sources []string, tag string, byID map[int64]store.Message, now time.Time) []store.EvidenceItem {
	if len(sources) == 0 {
		sources = []string{key}
	}
	seen := make(map[int64]bool)
	var items []store.EvidenceItem
	for _, src := range sources {
		for _, sig := range candidates[src] {
			if seen[sig.MessageID] {
				continue
			}
			msg, ok := byID[sig.MessageID]
			if !ok {
				continue
			}
			seen[sig.MessageID] = true
			items = append(items, store.EvidenceItem{
				GroupID:        groupID,
				UserID:         userID,
				ItemType:       itemType,
				Key:            key,
				Snippet:        msg.RawText,
				MessageID:      msg.ID,
				SpeakerID:      msg.SpeakerID,
				MessageTS:      msg.TS,
				Confidence:     sig.Confidence,
				JokeLikelihood: sig.JokeLikelihood,
				SourceType:     sig.SourceType,
				ConsistencyTag: tag,
				CreatedAt:      now.Unix(),
			})
		}
	}
	return capNewest(items, p.maxPerKey)
}

// capNewest keeps the n most recent items by message timestamp.
func capNewest(items []store.EvidenceItem, n int) []store.EvidenceItem {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].MessageTS != items[j].MessageTS {
			return items[i].MessageTS > items[j].MessageTS
		}
		return items[i].MessageID > items[j].MessageID
	})
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items
}

func evictDropped(cs *store.CommitSet, userID, itemType string, prev map[string]float64, finals []string) {
	kept := make(map[string]bool, len(finals))
	for _, k := range finals {
		kept[k] = true
	}
	for _, k := range sortedKeys(prev) {
		if !kept[k] {
			cs.Evictions = append(cs.Evictions, store.KeyRef{UserID: userID, ItemType: itemType, Key: k})
		}
	}
}
