package impression

import (
	"math"
	"testing"
	"time"

	"github.com/stellarlinkco/impressiond/internal/store"
)

func TestDecayedWeight_FreshSelfEvidence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	it := store.EvidenceItem{
		Confidence:     0.8,
		JokeLikelihood: 0,
		SourceType:     "self",
		MessageTS:      now.Unix(),
	}
	got := DecayedWeight(it, now, 7)
	if math.Abs(got-0.8) > 1e-9 {
		t.Errorf("weight = %v, want 0.8 (base x self weight)", got)
	}
}

func TestDecayedWeight_OneHalfLife(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	it := store.EvidenceItem{
		Confidence:     0.8,
		JokeLikelihood: 0,
		SourceType:     "self",
		MessageTS:      now.Add(-7 * 24 * time.Hour).Unix(),
	}
	got := DecayedWeight(it, now, 7)
	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("weight after one half-life = %v, want 0.4", got)
	}
}

func TestDecayedWeight_OtherSourceDiscount(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	it := store.EvidenceItem{
		Confidence: 1.0,
		SourceType: "other",
		MessageTS:  now.Unix(),
	}
	got := DecayedWeight(it, now, 7)
	if math.Abs(got-0.7) > 1e-9 {
		t.Errorf("weight = %v, want 0.7", got)
	}
}

func TestDecayedWeight_JokeDiscount(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	it := store.EvidenceItem{
		Confidence:     0.8,
		JokeLikelihood: 0.5,
		SourceType:     "self",
		MessageTS:      now.Unix(),
	}
	got := DecayedWeight(it, now, 7)
	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("weight = %v, want 0.4", got)
	}
}

func TestDecayedWeight_ConsistencyTags(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	base := store.EvidenceItem{Confidence: 0.6, SourceType: "self", MessageTS: now.Unix()}

	consistent := base
	consistent.ConsistencyTag = "consistent"
	if got := DecayedWeight(consistent, now, 7); math.Abs(got-0.72) > 1e-9 {
		t.Errorf("consistent weight = %v, want 0.72", got)
	}

	conflicting := base
	conflicting.ConsistencyTag = "conflicting"
	if got := DecayedWeight(conflicting, now, 7); math.Abs(got-0.3) > 1e-9 {
		t.Errorf("conflicting weight = %v, want 0.3", got)
	}

	neutral := base
	neutral.ConsistencyTag = "neutral"
	if got := DecayedWeight(neutral, now, 7); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("neutral weight = %v, want 0.6", got)
	}
}

func TestDecayedWeight_ClippedAtOne(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	it := store.EvidenceItem{
		Confidence:     1.0,
		SourceType:     "self",
		ConsistencyTag: "consistent",
		MessageTS:      now.Unix(),
	}
	if got := DecayedWeight(it, now, 7); got != 1.0 {
		t.Errorf("weight = %v, want clipped to 1.0", got)
	}
}

func TestDecayedWeight_FutureTimestampNotAmplified(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	it := store.EvidenceItem{
		Confidence: 0.8,
		SourceType: "self",
		MessageTS:  now.Add(time.Hour).Unix(),
	}
	if got := DecayedWeight(it, now, 7); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("weight = %v, clock skew must not inflate confidence", got)
	}
}

func TestAggregateConfidence_Empty(t *testing.T) {
	got := AggregateConfidence(nil, time.Now(), ConfidenceParams{HalfLifeDays: 7})
	if got != 0 {
		t.Errorf("aggregate of no evidence = %v, want 0", got)
	}
}

func TestAggregateConfidence_StacksWithoutExceedingOne(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	items := []store.EvidenceItem{
		{Confidence: 0.6, SourceType: "self", MessageTS: now.Unix()},
		{Confidence: 0.6, SourceType: "self", MessageTS: now.Unix()},
	}
	p := ConfidenceParams{HalfLifeDays: 7}

	one := AggregateConfidence(items[:1], now, p)
	two := AggregateConfidence(items, now, p)
	if two <= one {
		t.Errorf("more evidence should raise confidence: %v -> %v", one, two)
	}
	if two > 1 {
		t.Errorf("aggregate = %v, want <= 1", two)
	}
	// 1 - (1-0.6)^2 = 0.84
	if math.Abs(two-0.84) > 1e-9 {
		t.Errorf("aggregate = %v, want 0.84", two)
	}
}

func TestAggregateConfidence_OldEvidenceKeepsDecaying(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	items := []store.EvidenceItem{
		{Confidence: 0.8, SourceType: "self", MessageTS: base.Unix()},
	}
	p := ConfidenceParams{HalfLifeDays: 7, MinConfidence: 0.3}

	fresh := AggregateConfidence(items, base, p)
	later := AggregateConfidence(items, base.Add(14*24*time.Hour), p)
	if later >= fresh {
		t.Errorf("aggregate should fall with age: %v -> %v", fresh, later)
	}
	// two half-lives: 0.8 -> 0.2, under the retention floor
	if math.Abs(later-0.2) > 1e-9 {
		t.Errorf("aggregate after two half-lives = %v, want 0.2", later)
	}
	if later >= p.MinConfidence {
		t.Errorf("aged-out key should fall below the retention floor")
	}
}
