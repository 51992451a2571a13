package saga

import (
	"sort"
	"time"
)

// Aggregator merges succeeded analyzer invocations into a ranked diagnosis.
// Aggregation is commutative over branch completion order: ranking depends
// only on confidences, with the fan-in finish order as the deterministic
// tie-break.
type Aggregator struct {
	// SecondaryFloor is the minimum confidence for an entry to be kept as a
	// secondary diagnosis.
	SecondaryFloor float64

	// LowConfidenceFloor flags the diagnosis when even the primary entry's
	// confidence falls below it. The diagnosis is still produced.
	LowConfidenceFloor float64
}

// Aggregate ranks the succeeded invocations of the instance's current
// generation. Returns ErrNoAnalyzerResult when zero branches succeeded.
func (a *Aggregator) Aggregate(in *Instance) (*Diagnosis, error) {
	succeeded := in.SucceededInvocations()
	if len(succeeded) == 0 {
		return nil, ErrNoAnalyzerResult
	}

	sort.SliceStable(succeeded, func(i, j int) bool {
		if succeeded[i].Confidence != succeeded[j].Confidence {
			return succeeded[i].Confidence > succeeded[j].Confidence
		}
		return succeeded[i].FinishOrder < succeeded[j].FinishOrder
	})

	// One entry per category: branches agreeing on a category corroborate a
	// single entry rather than duplicate it. The sort order makes the first
	// branch per category the highest-confidence one, so the entry keeps that
	// confidence and the rest join as supporting analyzers regardless of
	// their own score.
	var entries []DiagnosisEntry
	byCategory := make(map[string]int)
	for _, inv := range succeeded {
		if i, ok := byCategory[inv.Category]; ok {
			entries[i].Analyzers = append(entries[i].Analyzers, inv.Analyzer)
			continue
		}
		// New categories below the floor are dropped from the diagnosis but
		// survive in the instance's invocation audit trail.
		if len(entries) > 0 && inv.Confidence < a.SecondaryFloor {
			continue
		}
		rank := RankSecondary
		if len(entries) == 0 {
			rank = RankPrimary
		}
		byCategory[inv.Category] = len(entries)
		entries = append(entries, DiagnosisEntry{
			Rank:       rank,
			Category:   inv.Category,
			Confidence: inv.Confidence,
			Analyzers:  []string{inv.Analyzer},
		})
	}

	return &Diagnosis{
		InstanceID:    in.ID,
		Subject:       in.Subject,
		Entries:       entries,
		LowConfidence: succeeded[0].Confidence < a.LowConfidenceFloor,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
