package impression

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stellarlinkco/impressiond/internal/store"
)

// Scheduler decides when runs happen and guarantees at most one run
// per group at a time. Updates fire when a group's queue reaches the
// message threshold or its oldest pending message exceeds the time
// threshold; alias runs fire when enough qualifying messages pile up.
// A minute sweep catches groups that went quiet before crossing a
// threshold.
type Scheduler struct {
	store    *store.Store
	pipeline *Pipeline
	alias    *AliasAnalyzer

	msgThreshold     int
	timeThresholdSec int64
	aliasBatchSize   int

	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	active map[string]bool
}

func NewScheduler(st *store.Store, pipeline *Pipeline, alias *AliasAnalyzer, msgThreshold int, timeThresholdSec int64, aliasBatchSize int) *Scheduler {
	return &Scheduler{
		store:            st,
		pipeline:         pipeline,
		alias:            alias,
		msgThreshold:     msgThreshold,
		timeThresholdSec: timeThresholdSec,
		aliasBatchSize:   aliasBatchSize,
		active:           make(map[string]bool),
	}
}

// Start launches the minute sweep. Stop cancels in-flight runs and
// halts the sweep.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("* * * * *", s.sweep); err != nil {
		log.Printf("[scheduler] register sweep: %v", err)
		return
	}
	s.cron.Start()
	log.Printf("[scheduler] started, sweep every minute")
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// MaybeTrigger is called after each ingested message. It checks the
// group's thresholds and, when one is crossed, kicks off the run in
// the background so ingestion never waits on the LLM.
func (s *Scheduler) MaybeTrigger(groupID string) {
	if due, err := s.updateDue(groupID); err != nil {
		log.Printf("[scheduler] check %s: %v", groupID, err)
	} else if due {
		go s.runUpdate(groupID, "update")
	}
	if due, err := s.aliasDue(groupID); err != nil {
		log.Printf("[scheduler] alias check %s: %v", groupID, err)
	} else if due {
		go s.runAlias(groupID)
	}
}

func (s *Scheduler) sweep() {
	groups, err := s.store.GroupIDs()
	if err != nil {
		log.Printf("[scheduler] sweep: %v", err)
		return
	}
	for _, g := range groups {
		s.MaybeTrigger(g)
	}
}

func (s *Scheduler) updateDue(groupID string) (bool, error) {
	n, err := s.store.PendingCount(groupID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if n >= s.msgThreshold {
		return true, nil
	}
	oldest, err := s.store.OldestPendingTS(groupID)
	if err != nil {
		return false, err
	}
	return oldest > 0 && time.Now().Unix()-oldest >= s.timeThresholdSec, nil
}

func (s *Scheduler) aliasDue(groupID string) (bool, error) {
	n, err := s.store.AliasQueueCount(groupID)
	if err != nil {
		return false, err
	}
	return n >= s.aliasBatchSize, nil
}

func (s *Scheduler) runUpdate(groupID, kind string) {
	if !s.acquire(groupID) {
		return
	}
	defer s.release(groupID)
	ctx := s.ctx()
	if _, err := s.pipeline.Run(ctx, groupID, kind, ""); err != nil {
		log.Printf("[scheduler] %s run for %s: %v", kind, groupID, err)
	}
}

func (s *Scheduler) runAlias(groupID string) {
	if !s.acquire(groupID) {
		return
	}
	defer s.release(groupID)
	if _, err := s.alias.Run(s.ctx(), groupID); err != nil {
		log.Printf("[scheduler] alias run for %s: %v", groupID, err)
	}
}

// ForceUpdate runs an update for one group immediately, bypassing the
// thresholds. It fails fast with ErrRunActive when a run is already in
// flight for the group. An empty mode uses the configured update mode.
func (s *Scheduler) ForceUpdate(ctx context.Context, groupID, mode string) (*store.RunRecord, error) {
	if !s.acquire(groupID) {
		return nil, ErrRunActive
	}
	defer s.release(groupID)
	return s.pipeline.Run(ctx, groupID, "force_update", mode)
}

// ForceResult is one group's outcome from a fan-out update.
type ForceResult struct {
	GroupID string
	Run     *store.RunRecord
	Err     error
}

// ForceUpdateAll runs a forced update for every known group in turn,
// one batch-style pass per group. Groups are processed sequentially
// and one failure never stops the rest.
func (s *Scheduler) ForceUpdateAll(ctx context.Context) ([]ForceResult, error) {
	groups, err := s.store.GroupIDs()
	if err != nil {
		return nil, err
	}
	sort.Strings(groups)
	results := make([]ForceResult, 0, len(groups))
	for _, g := range groups {
		run, err := s.ForceUpdate(ctx, g, "group_batch")
		results = append(results, ForceResult{GroupID: g, Run: run, Err: err})
	}
	return results, nil
}

// ForceAlias runs an alias extraction for one group immediately.
func (s *Scheduler) ForceAlias(ctx context.Context, groupID string) (int, error) {
	if !s.acquire(groupID) {
		return 0, ErrRunActive
	}
	defer s.release(groupID)
	return s.alias.Run(ctx, groupID)
}

func (s *Scheduler) acquire(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[groupID] {
		return false
	}
	s.active[groupID] = true
	return true
}

func (s *Scheduler) release(groupID string) {
	s.mu.Lock()
	delete(s.active, groupID)
	s.mu.Unlock()
}

func (s *Scheduler) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}
