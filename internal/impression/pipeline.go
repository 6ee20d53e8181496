package impression

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/impressiond/internal/store"
)

// userOutput is the per-user result of one pass through the phases.
type userOutput struct {
	final      MergeResult
	candidates CandidateSet
	summary    string
}

// Pipeline executes update runs: attribution, the three extraction
// phases, confidence recomputation, and the atomic commit. Callers
// must hold the group's run lock.
type Pipeline struct {
	store          *store.Store
	caller         Caller
	attributor     *Attributor
	mode           string
	maxRunMessages int
	params         ConfidenceParams
	maxPerKey      int
}

func NewPipeline(st *store.Store, caller Caller, attributor *Attributor, mode string, maxRunMessages int, params ConfidenceParams, maxPerKey int) *Pipeline {
	return &Pipeline{
		store:          st,
		caller:         caller,
		attributor:     attributor,
		mode:           mode,
		maxRunMessages: maxRunMessages,
		params:         params,
		maxPerKey:      maxPerKey,
	}
}

// Run executes one update run for a group and reports its outcome.
// An empty mode uses the configured update mode; forced fan-outs pass
// "group_batch" to keep one LLM pass per group. A nil record means the
// queue was empty and nothing ran. Any call or parse failure aborts
// with no mutation beyond the run log; the snapshot stays queued for
// the next trigger.
func (p *Pipeline) Run(ctx context.Context, groupID, kind, mode string) (*store.RunRecord, error) {
	if mode == "" {
		mode = p.mode
	}
	snap, err := p.store.Snapshot(groupID, p.maxRunMessages)
	if err != nil {
		return nil, err
	}
	if len(snap) == 0 {
		return nil, nil
	}

	aliases, err := p.store.AliasesForGroup(groupID)
	if err != nil {
		return nil, err
	}
	nicknames, err := p.store.Nicknames(groupID)
	if err != nil {
		return nil, err
	}
	profiles, err := p.profilesByUser(groupID)
	if err != nil {
		return nil, err
	}
	summaries := make(map[string]string, len(profiles))
	for id, prof := range profiles {
		summaries[id] = prof.Summary
	}

	byUser, unresolved, err := p.attributor.Attribute(ctx, snap, buildAliasIndex(aliases), nicknames, summaries)
	if err != nil {
		return p.abort(groupID, kind, len(snap), err)
	}
	if unresolved > 0 {
		log.Printf("[impression] %s run for %s: %d of %d messages unattributed", kind, groupID, unresolved, len(snap))
	}
	if len(byUser) == 0 {
		rec := store.RunRecord{
			ID:        uuid.NewString(),
			GroupID:   groupID,
			Kind:      kind,
			Status:    "empty",
			Detail:    "no attributable messages",
			Messages:  len(snap),
			CreatedAt: time.Now().Unix(),
		}
		if err := p.store.AppendRun(rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}

	outputs, err := p.runModes(ctx, mode, byUser, profiles, nicknames)
	if err != nil {
		return p.abort(groupID, kind, len(snap), err)
	}
	if len(outputs) == 0 {
		rec := store.RunRecord{
			ID:        uuid.NewString(),
			GroupID:   groupID,
			Kind:      kind,
			Status:    "empty",
			Detail:    "no candidates extracted",
			Messages:  len(snap),
			CreatedAt: time.Now().Unix(),
		}
		if err := p.store.AppendRun(rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}

	byID := make(map[int64]store.Message, len(snap))
	snapshotIDs := make([]int64, len(snap))
	for i, m := range snap {
		byID[m.ID] = m
		snapshotIDs[i] = m.ID
	}

	rec := store.RunRecord{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Kind:      kind,
		Status:    "committed",
		Detail:    fmt.Sprintf("mode=%s", mode),
		Users:     len(outputs),
		Messages:  len(snap),
		CreatedAt: time.Now().Unix(),
	}
	commit, err := p.buildCommit(groupID, outputs, byID, profiles, snapshotIDs, rec)
	if err != nil {
		return p.abort(groupID, kind, len(snap), err)
	}
	if err := p.store.CommitRun(commit); err != nil {
		return p.abort(groupID, kind, len(snap), err)
	}
	log.Printf("[impression] %s run for %s committed: %d users, %d messages", kind, groupID, len(outputs), len(snap))
	return &rec, nil
}

// runModes dispatches on the configured update mode. per_user issues
// one phase pass per subject; group_batch one pass over everyone;
// hybrid runs the batch pass first and lets per-user passes override
// its per-user results.
func (p *Pipeline) runModes(ctx context.Context, mode string, byUser map[string][]store.Message, profiles map[string]*store.Profile, nicknames map[string]string) (map[string]userOutput, error) {
	switch mode {
	case "group_batch":
		return p.runPhases(ctx, byUser, profiles, nicknames)
	case "hybrid":
		outputs, err := p.runPhases(ctx, byUser, profiles, nicknames)
		if err != nil {
			return nil, err
		}
		perUser, err := p.runPerUser(ctx, byUser, profiles, nicknames)
		if err != nil {
			return nil, err
		}
		for id, out := range perUser {
			outputs[id] = out
		}
		return outputs, nil
	default: // per_user
		return p.runPerUser(ctx, byUser, profiles, nicknames)
	}
}

func (p *Pipeline) runPerUser(ctx context.Context, byUser map[string][]store.Message, profiles map[string]*store.Profile, nicknames map[string]string) (map[string]userOutput, error) {
	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outputs := make(map[string]userOutput)
	for _, id := range ids {
		single := map[string][]store.Message{id: byUser[id]}
		out, err := p.runPhases(ctx, single, profiles, nicknames)
		if err != nil {
			return nil, err
		}
		for uid, o := range out {
			outputs[uid] = o
		}
	}
	return outputs, nil
}

// runPhases performs Phase1 -> Phase2 -> Phase3 for the given subjects.
// Phase2 runs only for subjects that already hold traits or facts;
// first-time subjects take their candidates straight through with an
// identity mapping and neutral consistency.
func (p *Pipeline) runPhases(ctx context.Context, byUser map[string][]store.Message, profiles map[string]*store.Profile, nicknames map[string]string) (map[string]userOutput, error) {
	knownIDs := make(map[string]bool, len(byUser))
	for id := range byUser {
		knownIDs[id] = true
	}

	resp, err := p.caller.Call(ctx, Phase1, phase1SystemPrompt, buildPhase1Prompt(byUser, nicknames))
	if err != nil {
		return nil, err
	}
	candidates, err := parsePhase1(resp, knownIDs)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return map[string]userOutput{}, nil
	}

	existing := make(map[string]map[string][]string)
	mergeUsers := make(map[string]bool)
	for id := range candidates {
		prof := profiles[id]
		if prof == nil || (len(prof.Traits) == 0 && len(prof.Facts) == 0) {
			continue
		}
		existing[id] = map[string][]string{
			"traits": sortedKeys(prof.Traits),
			"facts":  sortedKeys(prof.Facts),
		}
		mergeUsers[id] = true
	}

	merged := make(map[string]MergeResult)
	if len(mergeUsers) > 0 {
		mergeCandidates := make(map[string]CandidateSet, len(mergeUsers))
		for id := range mergeUsers {
			mergeCandidates[id] = candidates[id]
		}
		resp, err := p.caller.Call(ctx, Phase2, phase2SystemPrompt, buildPhase2Prompt(existing, mergeCandidates))
		if err != nil {
			return nil, err
		}
		merged, err = parsePhase2(resp, mergeUsers)
		if err != nil {
			return nil, err
		}
	}

	finals := make(map[string]MergeResult, len(candidates))
	for id, set := range candidates {
		if m, ok := merged[id]; ok {
			finals[id] = m
			continue
		}
		traits := sortedKeys(set.Traits)
		facts := sortedKeys(set.Facts)
		finals[id] = MergeResult{
			Traits:      traits,
			Facts:       facts,
			Mapping:     identityMapping(traits, facts),
			Consistency: neutralConsistency(traits, facts),
		}
	}

	summaries := make(map[string]string, len(finals))
	for id := range finals {
		if prof := profiles[id]; prof != nil {
			summaries[id] = prof.Summary
		}
	}
	resp, err = p.caller.Call(ctx, Phase3, phase3SystemPrompt, buildPhase3Prompt(finals, summaries))
	if err != nil {
		return nil, err
	}
	newSummaries, err := parsePhase3(resp, knownIDs)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]userOutput, len(finals))
	for id, final := range finals {
		summary := newSummaries[id]
		if summary == "" {
			summary = summaries[id]
		}
		outputs[id] = userOutput{
			final:      final,
			candidates: candidates[id],
			summary:    summary,
		}
	}
	return outputs, nil
}

func identityMapping(traits, facts []string) map[string]map[string][]string {
	m := map[string]map[string][]string{
		"traits": make(map[string][]string, len(traits)),
		"facts":  make(map[string][]string, len(facts)),
	}
	for _, t := range traits {
		m["traits"][t] = []string{t}
	}
	for _, f := range facts {
		m["facts"][f] = []string{f}
	}
	return m
}

func neutralConsistency(traits, facts []string) map[string]map[string]string {
	m := map[string]map[string]string{
		"traits": make(map[string]string, len(traits)),
		"facts":  make(map[string]string, len(facts)),
	}
	for _, t := range traits {
		m["traits"][t] = "neutral"
	}
	for _, f := range facts {
		m["facts"][f] = "neutral"
	}
	return m
}

func (p *Pipeline) profilesByUser(groupID string) (map[string]*store.Profile, error) {
	list, err := p.store.ProfilesForGroup(groupID)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]*store.Profile, len(list))
	for _, prof := range list {
		byUser[prof.UserID] = prof
	}
	return byUser, nil
}

func (p *Pipeline) abort(groupID, kind string, messages int, cause error) (*store.RunRecord, error) {
	rec := store.RunRecord{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Kind:      kind,
		Status:    "aborted",
		Detail:    cause.Error(),
		Messages:  messages,
		CreatedAt: time.Now().Unix(),
	}
	if err := p.store.AppendRun(rec); err != nil {
		log.Printf("[impression] record run abort: %v", err)
	}
	log.Printf("[impression] %s run for %s aborted: %v", kind, groupID, cause)
	return &rec, cause
}
