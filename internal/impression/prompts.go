package impression

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/impressiond/internal/store"
)

const aliasSystemPrompt = `You extract nicknames used between group chat members.

Rules:
- Two kinds of targets are acceptable: an explicit @ID or [reply_to:ID] marker, or a clear naming statement in the text ("X is also called Y", "X goes by Y").
- Extract short nicknames only: 2-16 word characters, never sentences, commands, or verb phrases.
- Ignore bot commands and functional phrases.
- A reply_to marker alone is not a naming relationship; the text must state one.
- When the target of a nickname cannot be determined, output nothing for it.

Return strict JSON object:
{"aliases":[{"speaker_id":"...","target_id":"...","alias":"...","confidence":0.8}]}
confidence must be in [0.5, 0.95].`

const attributionSystemPrompt = `You attribute group chat messages to the users they evaluate or discuss.

Rules:
- Attribute a message to a user id only when the text clearly points at that person (a form of address, a judgment about them, conversational context).
- When the subject cannot be determined, output nothing for that message. Never guess.
- Similar-but-different nicknames do not count.
- Use only the provided user ids.

Return strict JSON object:
{"assignments":[{"message_id":1,"target_ids":["..."]}]}`

const phase1SystemPrompt = `You extract candidate impression entries about group chat members from message evidence.

Rules:
- Use only the provided user ids.
- Traits describe lasting character or behavior; facts are concrete verifiable statements.
- Keep each key short and stable, never a full sentence.
- For every candidate, cite the message ids that support it with a confidence, a joke likelihood, and whether the speaker talked about themselves ("self") or someone else ("other").
- When nothing can be extracted for a user, omit the user.

Return strict JSON object:
{"users":{"<user_id>":{"traits":[{"key":"...","evidence":[{"message_id":1,"confidence":0.8,"joke_likelihood":0.1,"source_type":"other"}]}],"facts":[...]}}}`

const phase2SystemPrompt = `You merge candidate impression entries into each user's existing trait and fact sets.

Rules:
- Use only the provided user ids.
- Deduplicate and merge synonyms; replace an old entry when the candidates clearly supersede it.
- Keep keys short and stable.
- For every final key, list which candidate keys fed into it, and tag it "consistent" when multiple independent observations agree, "conflicting" when evidence contradicts, "neutral" otherwise.

Return strict JSON object:
{"users":{"<user_id>":{"traits":["..."],"facts":["..."],"mapping":{"traits":{"<final>":["<candidate>"]},"facts":{}},"consistency":{"traits":{"<final>":"neutral"},"facts":{}}}}}`

const phase3SystemPrompt = `You rewrite each user's impression summary from their final trait and fact sets.

Rules:
- Do not invent facts. Express uncertainty with "possibly".
- Prefer incremental revision of the existing summary over a rewrite.
- Keep each summary under 300 characters.

Return strict JSON object:
{"users":{"<user_id>":{"summary":"..."}}}`

func formatTS(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func messageLine(m store.Message) string {
	return fmt.Sprintf("%d. [%s] speaker=%s text=%s", m.ID, formatTS(m.TS), m.SpeakerID, m.RawText)
}

func buildAliasPrompt(msgs []store.Message) string {
	lines := []string{"Messages:"}
	for _, m := range msgs {
		lines = append(lines, messageLine(m))
	}
	return strings.Join(lines, "\n")
}

func buildAttributionPrompt(msgs []store.Message, knownIDs []string, nicknames map[string]string, summaries map[string]string) string {
	lines := []string{"Known user ids:", strings.Join(knownIDs, ", ")}
	lines = append(lines, "", "Known users (id -> nickname):")
	for _, id := range knownIDs {
		nick := nicknames[id]
		if nick == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", id, nick))
		if summary := summaries[id]; summary != "" {
			summary = strings.ReplaceAll(summary, "\n", " ")
			if len(summary) > 80 {
				summary = summary[:80] + "..."
			}
			lines = append(lines, "summary: "+summary)
		}
	}
	lines = append(lines, "", "Messages:")
	for _, m := range msgs {
		lines = append(lines, messageLine(m))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func buildPhase1Prompt(byUser map[string][]store.Message, nicknames map[string]string) string {
	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := []string{"Known user ids:", strings.Join(ids, ", ")}
	if len(nicknames) > 0 {
		lines = append(lines, "", "Known users (id -> nickname):")
		for _, id := range ids {
			if nick := nicknames[id]; nick != "" {
				lines = append(lines, fmt.Sprintf("%s: %s", id, nick))
			}
		}
	}
	lines = append(lines, "", "Messages (grouped by target_id):")
	for _, id := range ids {
		lines = append(lines, "target_id="+id)
		for _, m := range byUser[id] {
			lines = append(lines, messageLine(m))
		}
		lines = append(lines, "")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func buildPhase2Prompt(existing map[string]map[string][]string, candidates map[string]CandidateSet) string {
	candidateKeys := make(map[string]map[string][]string, len(candidates))
	for id, set := range candidates {
		candidateKeys[id] = map[string][]string{
			"traits": sortedKeys(set.Traits),
			"facts":  sortedKeys(set.Facts),
		}
	}
	lines := []string{
		"Existing traits/facts (JSON by user_id):",
		jsonDump(existing),
		"",
		"Candidate traits/facts (JSON by user_id):",
		jsonDump(candidateKeys),
	}
	return strings.Join(lines, "\n")
}

func buildPhase3Prompt(finals map[string]MergeResult, summaries map[string]string) string {
	payload := make(map[string]map[string]any, len(finals))
	for id, merged := range finals {
		payload[id] = map[string]any{
			"summary": summaries[id],
			"traits":  merged.Traits,
			"facts":   merged.Facts,
		}
	}
	lines := []string{
		"Final traits/facts with existing summaries (JSON by user_id):",
		jsonDump(payload),
	}
	return strings.Join(lines, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func jsonDump(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
