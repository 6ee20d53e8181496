package impression

import (
	"math"
	"time"

	"github.com/stellarlinkco/impressiond/internal/store"
)

// ConfidenceParams tunes the evidence decay and eviction math.
type ConfidenceParams struct {
	HalfLifeDays  float64
	MinConfidence float64
}

func sourceWeight(sourceType string) float64 {
	if sourceType == "self" {
		return 1.0
	}
	return 0.7
}

func consistencyFactor(tag string) float64 {
	switch tag {
	case "consistent":
		return 1.2
	case "conflicting":
		return 0.5
	}
	return 1.0
}

// DecayedWeight scores one evidence item at a point in time:
// base confidence halved every HalfLifeDays, discounted by joke
// likelihood and the source weight, boosted or cut by the Phase2
// consistency tag, clipped to [0, 1].
func DecayedWeight(it store.EvidenceItem, now time.Time, halfLifeDays float64) float64 {
	w := it.Confidence * (1 - it.JokeLikelihood) * sourceWeight(it.SourceType) * consistencyFactor(it.ConsistencyTag)
	if halfLifeDays > 0 {
		ageDays := now.Sub(time.Unix(it.MessageTS, 0)).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		w *= math.Exp2(-ageDays / halfLifeDays)
	}
	return clamp(w, 0, 1)
}

// AggregateConfidence combines all live evidence weights for one key.
// Independent observations stack: each item removes a share of the
// remaining doubt, so the aggregate only ever grows with more evidence
// and never exceeds 1.
func AggregateConfidence(items []store.EvidenceItem, now time.Time, p ConfidenceParams) float64 {
	if len(items) == 0 {
		return 0
	}
	remaining := 1.0
	for _, it := range items {
		remaining *= 1 - DecayedWeight(it, now, p.HalfLifeDays)
	}
	return clamp(1-remaining, 0, 1)
}
