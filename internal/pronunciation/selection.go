package pronunciation

import (
	"math/rand/v2"
	"sort"

	"nkowa/api/internal/review"
	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

// RecordingEligible reports whether userID may record audio for doc.
func RecordingEligible(doc *store.ExampleSuggestion, userID string) bool {
	if doc.ExampleForSuggestion || doc.IsMerged() {
		return false
	}
	if util.Contains(doc.UserInteractions, userID) {
		return false
	}
	for _, entry := range doc.Pronunciations {
		if entry.Speaker == userID {
			return false
		}
	}
	return true
}

// SelectForRecording returns a uniform random sample of up to limit eligible
// candidates. A nil rng uses the package-level source.
func SelectForRecording(candidates []*store.ExampleSuggestion, userID string, limit int, rng *rand.Rand) []*store.ExampleSuggestion {
	eligible := make([]*store.ExampleSuggestion, 0, len(candidates))
	for _, doc := range candidates {
		if RecordingEligible(doc, userID) {
			eligible = append(eligible, Active(doc))
		}
	}
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

// Reviewable returns the active entries of doc that userID has neither
// recorded nor reviewed.
func Reviewable(doc *store.ExampleSuggestion, userID string) []store.Pronunciation {
	out := make([]store.Pronunciation, 0)
	if doc.IsMerged() {
		return out
	}
	for _, entry := range doc.ActivePronunciations() {
		if entry.Speaker == userID {
			continue
		}
		if util.Contains(entry.Approvals, userID) || util.Contains(entry.Denials, userID) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// SelectForReview returns up to limit candidates with at least one entry
// userID may review, closest to the approval threshold first. Each result
// carries only its reviewable entries.
func SelectForReview(candidates []*store.ExampleSuggestion, userID string, limit, threshold int) []*store.ExampleSuggestion {
	type ranked struct {
		doc     *store.ExampleSuggestion
		missing int
	}
	pool := make([]ranked, 0, len(candidates))
	for _, doc := range candidates {
		entries := Reviewable(doc, userID)
		if len(entries) == 0 {
			continue
		}
		out := *doc
		out.Pronunciations = entries
		pool = append(pool, ranked{doc: &out, missing: review.MissingApprovals(&doc.SuggestionState, threshold)})
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].missing != pool[j].missing {
			return pool[i].missing < pool[j].missing
		}
		return pool[i].doc.UpdatedAt.Before(pool[j].doc.UpdatedAt)
	})
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}
	out := make([]*store.ExampleSuggestion, 0, len(pool))
	for _, item := range pool {
		out = append(out, item.doc)
	}
	return out
}
