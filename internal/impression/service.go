package impression

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/impressiond/internal/config"
	"github.com/stellarlinkco/impressiond/internal/store"
)

// Service is the ingestion-facing surface of the impression system.
// Channels hand it rendered group messages; it filters, queues,
// maintains nickname/last-seen state, and lets the scheduler decide
// when runs fire. Admin commands route through HandleCommand.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	caller    Caller
	alias     *AliasAnalyzer
	pipeline  *Pipeline
	scheduler *Scheduler

	whitelist map[string]bool
	ignoreRe  *regexp.Regexp
}

func NewService(cfg *config.Config, st *store.Store) (*Service, error) {
	var ignoreRe *regexp.Regexp
	if cfg.Filters.IgnoreRegex != "" {
		re, err := regexp.Compile(cfg.Filters.IgnoreRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: ignoreRegex: %v", ErrConfigInvalid, err)
		}
		ignoreRe = re
	}
	whitelist := make(map[string]bool, len(cfg.Filters.GroupWhitelist))
	for _, g := range cfg.Filters.GroupWhitelist {
		whitelist[g] = true
	}

	caller := NewCaller(cfg)
	attributor := NewAttributor(caller, cfg.Bot.UserID, cfg.Bot.Aliases,
		cfg.Attribution.SemanticEnabled, cfg.Attribution.MaxMessages, true)
	params := ConfidenceParams{
		HalfLifeDays:  cfg.Evidence.HalfLifeDays,
		MinConfidence: cfg.Evidence.MinConfidence,
	}
	pipeline := NewPipeline(st, caller, attributor, cfg.Update.Mode,
		cfg.Update.MaxRunMessages, params, cfg.Evidence.MaxPerItem)
	alias := NewAliasAnalyzer(st, caller, cfg.Bot.UserID, cfg.Bot.Aliases)
	scheduler := NewScheduler(st, pipeline, alias, cfg.Update.MsgThreshold,
		int64(cfg.Update.TimeThresholdSec), cfg.Alias.BatchSize)

	return &Service{
		cfg:       cfg,
		store:     st,
		caller:    caller,
		alias:     alias,
		pipeline:  pipeline,
		scheduler: scheduler,
		whitelist: whitelist,
		ignoreRe:  ignoreRe,
	}, nil
}

func (s *Service) Start(ctx context.Context) { s.scheduler.Start(ctx) }
func (s *Service) Stop()                     { s.scheduler.Stop() }

// HandleMessage ingests one rendered group message. Filtered messages
// are dropped silently; accepted ones are queued, mirrored into the
// alias queue when they qualify, and may trigger a background run.
func (s *Service) HandleMessage(m store.Message, nickname string) error {
	if !s.Accepts(m) {
		return nil
	}
	if err := s.store.TouchProfile(m.GroupID, m.SpeakerID, nickname, m.TS); err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	id, err := s.store.Enqueue(m)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	m.ID = id
	if s.alias.Qualifies(m) {
		if err := s.store.EnqueueAliasCandidate(m); err != nil {
			return fmt.Errorf("enqueue alias candidate: %w", err)
		}
	}
	s.scheduler.MaybeTrigger(m.GroupID)
	return nil
}

// Accepts applies the ingestion filters: group whitelist, the bot's
// own messages, command invocations, short texts, and the configured
// ignore pattern.
func (s *Service) Accepts(m store.Message) bool {
	if len(s.whitelist) > 0 && !s.whitelist[m.GroupID] {
		return false
	}
	if s.cfg.Bot.UserID != "" && m.SpeakerID == s.cfg.Bot.UserID {
		return false
	}
	text := strings.TrimSpace(m.RawText)
	if text == "" || strings.HasPrefix(text, "/") {
		return false
	}
	if utf8.RuneCountInString(text) < s.cfg.Filters.IgnoreShortTextLen && !hasAddressingMarker(text) {
		return false
	}
	if s.ignoreRe != nil && s.ignoreRe.MatchString(text) {
		return false
	}
	return true
}

// HandleCommand executes an admin command against one group and
// returns a human-readable report. The second return is false when
// the text is not an impression command.
func (s *Service) HandleCommand(ctx context.Context, groupID, text string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || fields[0] != "/impression" {
		return "", false
	}
	if len(fields) == 1 {
		return "usage: /impression <aliases|update [all]|status>", true
	}

	switch fields[1] {
	case "aliases":
		n, err := s.scheduler.ForceAlias(ctx, groupID)
		if err != nil {
			if errors.Is(err, ErrRunActive) {
				return "a run is already in progress for this group", true
			}
			return fmt.Sprintf("alias analysis failed: %v", err), true
		}
		return fmt.Sprintf("alias analysis done: %d aliases recorded", n), true

	case "update":
		if len(fields) > 2 && fields[2] == "all" {
			return s.updateAll(ctx), true
		}
		run, err := s.scheduler.ForceUpdate(ctx, groupID, "")
		if err != nil {
			if errors.Is(err, ErrRunActive) {
				return "a run is already in progress for this group", true
			}
			return fmt.Sprintf("update failed: %v", err), true
		}
		if run == nil {
			return "nothing to process: queue is empty", true
		}
		return fmt.Sprintf("update %s: %d users, %d messages", run.Status, run.Users, run.Messages), true

	case "status":
		return s.status(groupID), true
	}
	return "usage: /impression <aliases|update [all]|status>", true
}

func (s *Service) updateAll(ctx context.Context) string {
	results, err := s.scheduler.ForceUpdateAll(ctx)
	if err != nil {
		return fmt.Sprintf("update all failed: %v", err)
	}
	if len(results) == 0 {
		return "no known groups"
	}
	var b strings.Builder
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(&b, "%s: failed (%v)\n", r.GroupID, r.Err)
		case r.Run == nil:
			fmt.Fprintf(&b, "%s: empty queue\n", r.GroupID)
		default:
			fmt.Fprintf(&b, "%s: %s, %d users, %d messages\n", r.GroupID, r.Run.Status, r.Run.Users, r.Run.Messages)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) status(groupID string) string {
	pending, err := s.store.PendingCount(groupID)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	aliasPending, err := s.store.AliasQueueCount(groupID)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	runs, err := s.store.RecentRuns(groupID, 3)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pending messages: %d (threshold %d)\n", pending, s.cfg.Update.MsgThreshold)
	fmt.Fprintf(&b, "alias queue: %d (batch %d)\n", aliasPending, s.cfg.Alias.BatchSize)
	if len(runs) == 0 {
		b.WriteString("no runs recorded")
	} else {
		b.WriteString("recent runs:")
		for _, r := range runs {
			fmt.Fprintf(&b, "\n  %s %s (%d msgs)", r.Kind, r.Status, r.Messages)
		}
	}
	return b.String()
}

// Store exposes the backing store for the gateway's admin surfaces.
func (s *Service) Store() *store.Store { return s.store }
