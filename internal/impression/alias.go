package impression

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/impressiond/internal/store"
)

// At most this many parsed alias rows are applied per run, matching
// the cap on the analysis snapshot.
const maxAliasResults = 100

// AliasAnalyzer runs the alias-extraction stage over the alias queue.
type AliasAnalyzer struct {
	store      *store.Store
	caller     Caller
	botID      string
	botAliases map[string]bool
}

func NewAliasAnalyzer(st *store.Store, caller Caller, botID string, botAliases []string) *AliasAnalyzer {
	aliasSet := make(map[string]bool, len(botAliases))
	for _, a := range botAliases {
		if a = strings.TrimSpace(a); a != "" {
			aliasSet[a] = true
		}
	}
	return &AliasAnalyzer{store: st, caller: caller, botID: botID, botAliases: aliasSet}
}

// Qualifies reports whether a message should feed alias analysis: it
// carries an explicit addressing marker, is not a command invocation,
// and is not aimed solely at the bot.
func (a *AliasAnalyzer) Qualifies(m store.Message) bool {
	text := strings.TrimSpace(m.RawText)
	if text == "" || strings.HasPrefix(text, "/") {
		return false
	}
	if !hasAddressingMarker(text) {
		return false
	}
	targets := extractTargetIDs(text)
	if a.botID != "" {
		allBot := true
		for _, t := range targets {
			if t != a.botID {
				allBot = false
				break
			}
		}
		if allBot && len(targets) > 0 {
			return false
		}
	}
	return true
}

// Run performs one alias-analysis pass over a group's alias queue:
// snapshot, one LLM call, parse, then an atomic commit of the upserted
// entries, the consumed queue rows, and the run record. A failed call
// or parse leaves the queue untouched for the next opportunity.
func (a *AliasAnalyzer) Run(ctx context.Context, groupID string) (int, error) {
	snap, err := a.store.AliasSnapshot(groupID, maxAliasResults)
	if err != nil {
		return 0, err
	}
	if len(snap) == 0 {
		return 0, nil
	}

	prompt := buildAliasPrompt(snap)
	resp, err := a.caller.Call(ctx, PhaseAlias, aliasSystemPrompt, prompt)
	if err != nil {
		a.recordAbort(groupID, len(snap), err)
		return 0, err
	}
	candidates, err := parseAliases(resp)
	if err != nil {
		log.Printf("[impression] alias analysis for %s returned invalid JSON, keeping queue", groupID)
		a.recordAbort(groupID, len(snap), err)
		return 0, err
	}

	now := time.Now().Unix()
	entries := make([]store.AliasEntry, 0, len(candidates))
	for i, c := range candidates {
		if i >= maxAliasResults {
			break
		}
		if c.TargetID == a.botID {
			continue
		}
		entries = append(entries, store.AliasEntry{
			GroupID:    groupID,
			SpeakerID:  c.SpeakerID,
			TargetID:   c.TargetID,
			Alias:      c.Alias,
			Confidence: c.Confidence,
			UpdatedAt:  now,
		})
	}

	ids := make([]int64, len(snap))
	for i, m := range snap {
		ids[i] = m.ID
	}
	run := store.RunRecord{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Kind:      "alias",
		Status:    "committed",
		Detail:    fmt.Sprintf("%d aliases from %d messages", len(entries), len(snap)),
		Messages:  len(snap),
		CreatedAt: now,
	}
	if err := a.store.CommitAliasRun(entries, ids, run); err != nil {
		return 0, err
	}
	log.Printf("[impression] alias analysis for %s: %d entries from %d messages", groupID, len(entries), len(snap))
	return len(entries), nil
}

func (a *AliasAnalyzer) recordAbort(groupID string, messages int, cause error) {
	rec := store.RunRecord{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Kind:      "alias",
		Status:    "aborted",
		Detail:    cause.Error(),
		Messages:  messages,
		CreatedAt: time.Now().Unix(),
	}
	if err := a.store.AppendRun(rec); err != nil {
		log.Printf("[impression] record alias abort: %v", err)
	}
}
