package impression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// aliasPattern accepts short nickname-like tokens only: word characters
// in any script, no sentences or command phrases.
var aliasPattern = regexp.MustCompile(`^[\p{L}\p{N}_]{2,16}$`)

// extractJSON trims a model response down to the outermost JSON
// object. Models wrap output in prose or code fences often enough that
// parsing the raw text directly is a losing game.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

// parseAliases decodes `{"aliases":[...]}`. Entries with unusable ids
// or alias text are dropped; confidence is clamped into [0.5, 0.95]
// with 0.8 as the default for a missing value.
func parseAliases(text string) ([]AliasCandidate, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in alias response", ErrParseFailed)
	}

	var decoded struct {
		Aliases []struct {
			SpeakerID  string   `json:"speaker_id"`
			TargetID   string   `json:"target_id"`
			Alias      string   `json:"alias"`
			Confidence *float64 `json:"confidence"`
		} `json:"aliases"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: alias response: %v", ErrParseFailed, err)
	}
	if decoded.Aliases == nil {
		return nil, fmt.Errorf("%w: alias response missing aliases key", ErrParseFailed)
	}

	results := make([]AliasCandidate, 0, len(decoded.Aliases))
	for _, item := range decoded.Aliases {
		speaker := strings.TrimSpace(item.SpeakerID)
		target := strings.TrimSpace(item.TargetID)
		alias := strings.TrimSpace(item.Alias)
		if speaker == "" || target == "" || alias == "" {
			continue
		}
		if !aliasPattern.MatchString(alias) {
			continue
		}
		conf := 0.8
		if item.Confidence != nil {
			conf = clamp(*item.Confidence, 0.5, 0.95)
		}
		results = append(results, AliasCandidate{
			SpeakerID:  speaker,
			TargetID:   target,
			Alias:      alias,
			Confidence: conf,
		})
	}
	return results, nil
}

// parseAttribution decodes `{"assignments":[...]}` keeping only
// targets among the known user ids.
func parseAttribution(text string, knownIDs map[string]bool) (map[int64][]string, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in attribution response", ErrParseFailed)
	}

	var decoded struct {
		Assignments []struct {
			MessageID int64    `json:"message_id"`
			TargetIDs []string `json:"target_ids"`
		} `json:"assignments"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: attribution response: %v", ErrParseFailed, err)
	}
	if decoded.Assignments == nil {
		return nil, fmt.Errorf("%w: attribution response missing assignments key", ErrParseFailed)
	}

	result := make(map[int64][]string)
	for _, a := range decoded.Assignments {
		if a.MessageID == 0 {
			continue
		}
		var filtered []string
		for _, t := range a.TargetIDs {
			t = strings.TrimSpace(t)
			if t != "" && knownIDs[t] {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) > 0 {
			result[a.MessageID] = filtered
		}
	}
	return result, nil
}

type phase1Candidate struct {
	Key      string `json:"key"`
	Evidence []struct {
		MessageID      int64    `json:"message_id"`
		Confidence     *float64 `json:"confidence"`
		JokeLikelihood *float64 `json:"joke_likelihood"`
		SourceType     string   `json:"source_type"`
	} `json:"evidence"`
}

// parsePhase1 decodes candidate traits/facts per user. Unknown user
// ids are dropped. Each evidence entry is normalized into a Signal
// with defaults for missing values and deduplicated by message id.
func parsePhase1(text string, knownIDs map[string]bool) (map[string]CandidateSet, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in phase1 response", ErrParseFailed)
	}

	var decoded struct {
		Users map[string]struct {
			Traits []phase1Candidate `json:"traits"`
			Facts  []phase1Candidate `json:"facts"`
		} `json:"users"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: phase1 response: %v", ErrParseFailed, err)
	}
	if decoded.Users == nil {
		return nil, fmt.Errorf("%w: phase1 response missing users key", ErrParseFailed)
	}

	result := make(map[string]CandidateSet)
	for userID, payload := range decoded.Users {
		userID = strings.TrimSpace(userID)
		if userID == "" || !knownIDs[userID] {
			continue
		}
		set := CandidateSet{
			Traits: normalizeCandidates(payload.Traits),
			Facts:  normalizeCandidates(payload.Facts),
		}
		if len(set.Traits) == 0 && len(set.Facts) == 0 {
			continue
		}
		result[userID] = set
	}
	return result, nil
}

func normalizeCandidates(items []phase1Candidate) map[string][]Signal {
	result := make(map[string][]Signal)
	for _, item := range items {
		key := strings.TrimSpace(item.Key)
		if key == "" {
			continue
		}
		seen := make(map[int64]bool)
		for _, s := range result[key] {
			seen[s.MessageID] = true
		}
		for _, ev := range item.Evidence {
			if ev.MessageID == 0 || seen[ev.MessageID] {
				continue
			}
			seen[ev.MessageID] = true
			conf := 0.6
			if ev.Confidence != nil {
				conf = clamp(*ev.Confidence, 0, 1)
			}
			joke := 0.2
			if ev.JokeLikelihood != nil {
				joke = clamp(*ev.JokeLikelihood, 0, 1)
			}
			source := strings.ToLower(strings.TrimSpace(ev.SourceType))
			if source != "self" && source != "other" {
				source = "other"
			}
			result[key] = append(result[key], Signal{
				MessageID:      ev.MessageID,
				Confidence:     conf,
				JokeLikelihood: joke,
				SourceType:     source,
			})
		}
		if len(result[key]) == 0 {
			delete(result, key)
		}
	}
	return result
}

// parsePhase2 decodes the merged key sets with mapping and
// consistency blocks for the users that went through the merge call.
// Every requested user must appear in the response; a missing one
// fails the stage, otherwise that user's stored keys would be treated
// as dropped by the merge.
func parsePhase2(text string, users map[string]bool) (map[string]MergeResult, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in phase2 response", ErrParseFailed)
	}

	var decoded struct {
		Users map[string]struct {
			Traits      []string                       `json:"traits"`
			Facts       []string                       `json:"facts"`
			Mapping     map[string]map[string][]string `json:"mapping"`
			Consistency map[string]map[string]string   `json:"consistency"`
		} `json:"users"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: phase2 response: %v", ErrParseFailed, err)
	}
	if decoded.Users == nil {
		return nil, fmt.Errorf("%w: phase2 response missing users key", ErrParseFailed)
	}

	result := make(map[string]MergeResult)
	for userID, payload := range decoded.Users {
		userID = strings.TrimSpace(userID)
		if userID == "" || !users[userID] {
			continue
		}
		result[userID] = MergeResult{
			Traits:      cleanKeyList(payload.Traits),
			Facts:       cleanKeyList(payload.Facts),
			Mapping:     payload.Mapping,
			Consistency: normalizeConsistency(payload.Consistency),
		}
	}
	for _, id := range sortedKeys(users) {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("%w: phase2 response missing user %s", ErrParseFailed, id)
		}
	}
	return result, nil
}

func cleanKeyList(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool)
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func normalizeConsistency(blocks map[string]map[string]string) map[string]map[string]string {
	if blocks == nil {
		return nil
	}
	for _, block := range blocks {
		for key, tag := range block {
			switch strings.ToLower(strings.TrimSpace(tag)) {
			case "consistent":
				block[key] = "consistent"
			case "conflicting":
				block[key] = "conflicting"
			default:
				block[key] = "neutral"
			}
		}
	}
	return blocks
}

// parsePhase3 decodes `{"users":{"<id>":{"summary":"..."}}}`.
func parsePhase3(text string, knownIDs map[string]bool) (map[string]string, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in phase3 response", ErrParseFailed)
	}

	var decoded struct {
		Users map[string]struct {
			Summary string `json:"summary"`
		} `json:"users"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: phase3 response: %v", ErrParseFailed, err)
	}
	if decoded.Users == nil {
		return nil, fmt.Errorf("%w: phase3 response missing users key", ErrParseFailed)
	}

	result := make(map[string]string)
	for userID, payload := range decoded.Users {
		userID = strings.TrimSpace(userID)
		if userID == "" || !knownIDs[userID] {
			continue
		}
		if summary := strings.TrimSpace(payload.Summary); summary != "" {
			result[userID] = summary
		}
	}
	return result, nil
}
