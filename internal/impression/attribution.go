package impression

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/stellarlinkco/impressiond/internal/store"
)

var (
	atTargetRe = regexp.MustCompile(`@(\d+)`)
	replyToRe  = regexp.MustCompile(`\[reply_to:(\d+)\]`)
	tokenRe    = regexp.MustCompile(`[\p{L}\p{N}_]{2,16}`)
)

// extractTargetIDs pulls the explicit addressing markers out of raw
// message text.
func extractTargetIDs(text string) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, re := range []*regexp.Regexp{atTargetRe, replyToRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if id := m[1]; id != "" && !seen[id] {
				seen[id] = true
				targets = append(targets, id)
			}
		}
	}
	return targets
}

func hasAddressingMarker(text string) bool {
	return atTargetRe.MatchString(text) || replyToRe.MatchString(text)
}

func extractTokens(text string) []string {
	return tokenRe.FindAllString(text, -1)
}

// aliasIndex maps speaker -> alias text -> target ids, built from the
// stored alias map for quick ladder lookups.
type aliasIndex map[string]map[string][]string

func buildAliasIndex(entries []store.AliasEntry) aliasIndex {
	idx := make(aliasIndex)
	for _, e := range entries {
		byAlias := idx[e.SpeakerID]
		if byAlias == nil {
			byAlias = make(map[string][]string)
			idx[e.SpeakerID] = byAlias
		}
		found := false
		for _, t := range byAlias[e.Alias] {
			if t == e.TargetID {
				found = true
				break
			}
		}
		if !found {
			byAlias[e.Alias] = append(byAlias[e.Alias], e.TargetID)
		}
	}
	return idx
}

// Attributor resolves which user each message talks about.
type Attributor struct {
	caller         Caller
	botID          string
	botAliases     map[string]bool
	semantic       bool
	maxMessages    int
	includeSummary bool
}

func NewAttributor(caller Caller, botID string, botAliases []string, semantic bool, maxMessages int, includeSummary bool) *Attributor {
	aliasSet := make(map[string]bool, len(botAliases))
	for _, a := range botAliases {
		if a = strings.TrimSpace(a); a != "" {
			aliasSet[a] = true
		}
	}
	return &Attributor{
		caller:         caller,
		botID:          botID,
		botAliases:     aliasSet,
		semantic:       semantic,
		maxMessages:    maxMessages,
		includeSummary: includeSummary,
	}
}

// Attribute groups a snapshot by subject user. The ladder per message,
// first hit wins: explicit @id / reply_to markers, bot-alias tokens,
// the speaker's own alias map, nickname match, then the semantic LLM
// pass over whatever is still open (when enabled). Messages resolved
// to the bot or to nobody are excluded; they carry no profile subject.
// The returned count reports how many messages stayed unresolved.
func (a *Attributor) Attribute(
	ctx context.Context,
	msgs []store.Message,
	aliases aliasIndex,
	nicknames map[string]string,
	summaries map[string]string,
) (map[string][]store.Message, int, error) {
	nicknameToUser := make(map[string]string, len(nicknames))
	for id, nick := range nicknames {
		if nick != "" {
			nicknameToUser[nick] = id
		}
	}

	byUser := make(map[string][]store.Message)
	var open []store.Message
	for _, msg := range msgs {
		targets := a.ladderTargets(msg, aliases, nicknameToUser)
		if len(targets) == 0 {
			open = append(open, msg)
			continue
		}
		for _, target := range targets {
			if target == a.botID {
				continue
			}
			byUser[target] = append(byUser[target], msg)
		}
	}

	unresolved := len(open)
	if a.semantic && len(open) > 0 {
		resolved, err := a.semanticAttribute(ctx, open, nicknames, summaries)
		if err != nil {
			return nil, 0, err
		}
		for _, msg := range open {
			targets := resolved[msg.ID]
			if len(targets) == 0 {
				continue
			}
			unresolved--
			for _, target := range targets {
				if target == a.botID {
					continue
				}
				byUser[target] = append(byUser[target], msg)
			}
		}
	}
	return byUser, unresolved, nil
}

func (a *Attributor) ladderTargets(msg store.Message, aliases aliasIndex, nicknameToUser map[string]string) []string {
	if targets := extractTargetIDs(msg.RawText); len(targets) > 0 {
		return targets
	}

	tokens := extractTokens(msg.RawText)

	if a.botID != "" && len(a.botAliases) > 0 {
		for _, token := range tokens {
			if a.botAliases[token] {
				return []string{a.botID}
			}
		}
	}

	if speakerMap := aliases[msg.SpeakerID]; len(speakerMap) > 0 {
		var targets []string
		seen := make(map[string]bool)
		for _, token := range tokens {
			for _, target := range speakerMap[token] {
				if !seen[target] {
					seen[target] = true
					targets = append(targets, target)
				}
			}
		}
		if len(targets) > 0 {
			return targets
		}
	}

	if len(nicknameToUser) > 0 {
		var targets []string
		seen := make(map[string]bool)
		for _, token := range tokens {
			if target := nicknameToUser[token]; target != "" && !seen[target] {
				seen[target] = true
				targets = append(targets, target)
			}
		}
		if len(targets) > 0 {
			return targets
		}
	}

	return nil
}

func (a *Attributor) semanticAttribute(
	ctx context.Context,
	msgs []store.Message,
	nicknames map[string]string,
	summaries map[string]string,
) (map[int64][]string, error) {
	if a.maxMessages > 0 && len(msgs) > a.maxMessages {
		msgs = msgs[:a.maxMessages]
	}

	knownIDs := make(map[string]bool, len(nicknames))
	idList := make([]string, 0, len(nicknames))
	for id := range nicknames {
		knownIDs[id] = true
		idList = append(idList, id)
	}
	if len(idList) == 0 {
		return map[int64][]string{}, nil
	}
	sort.Strings(idList)

	var summaryCtx map[string]string
	if a.includeSummary {
		summaryCtx = summaries
	}
	prompt := buildAttributionPrompt(msgs, idList, nicknames, summaryCtx)
	resp, err := a.caller.Call(ctx, PhaseAttribution, attributionSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return parseAttribution(resp, knownIDs)
}
