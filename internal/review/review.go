package review

import (
	"fmt"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDeny    Action = "DENY"
	ActionSkip    Action = "SKIP"
)

func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionDeny, ActionSkip:
		return true
	}
	return false
}

// Outcome describes what a single pronunciation review did to its entry.
type Outcome string

const (
	OutcomeApproved   Outcome = "APPROVED"
	OutcomeDenied     Outcome = "DENIED"
	OutcomeSkipped    Outcome = "SKIPPED"
	OutcomeMissing    Outcome = "NOT_FOUND"
	OutcomeSelfReview Outcome = "SELF_REVIEW"
)

// Approve moves userID into the approvals ledger and out of denials.
func Approve(state *store.SuggestionState, userID string) bool {
	var added, removed bool
	state.Denials, removed = util.RemoveFromSet(state.Denials, userID)
	state.Approvals, added = util.AddToSet(state.Approvals, userID)
	return added || removed
}

// Deny moves userID into the denials ledger and out of approvals.
func Deny(state *store.SuggestionState, userID string) bool {
	var added, removed bool
	state.Approvals, removed = util.RemoveFromSet(state.Approvals, userID)
	state.Denials, added = util.AddToSet(state.Denials, userID)
	return added || removed
}

// RecordPronunciationReview applies one review to the entry with
// pronunciationID. A missing entry is reported as OutcomeMissing rather than
// an error; speakers cannot review their own recordings.
func RecordPronunciationReview(state *store.SuggestionState, pronunciationID, userID string, action Action) (Outcome, error) {
	if !action.Valid() {
		return "", apperr.Validation(fmt.Sprintf("unknown review action %q", action), nil)
	}
	index := -1
	for i := range state.Pronunciations {
		if state.Pronunciations[i].ID == pronunciationID {
			index = i
			break
		}
	}
	if index < 0 {
		return OutcomeMissing, nil
	}
	entry := &state.Pronunciations[index]
	if action == ActionSkip {
		return OutcomeSkipped, nil
	}
	if entry.Speaker == userID {
		return OutcomeSelfReview, nil
	}

	switch action {
	case ActionApprove:
		entry.Denials, _ = util.RemoveFromSet(entry.Denials, userID)
		entry.Approvals, _ = util.AddToSet(entry.Approvals, userID)
		state.Flag(store.CrowdsourcingVerifyAudio)
		return OutcomeApproved, nil
	default:
		entry.Approvals, _ = util.RemoveFromSet(entry.Approvals, userID)
		entry.Denials, _ = util.AddToSet(entry.Denials, userID)
		state.Flag(store.CrowdsourcingVerifyAudio)
		return OutcomeDenied, nil
	}
}

type PronunciationReview struct {
	PronunciationID string `json:"id"`
	Review          Action `json:"review"`
}

type Result struct {
	PronunciationID string  `json:"id"`
	Outcome         Outcome `json:"outcome"`
}

// Policy holds the thresholds that decide when a suggestion merges itself.
type Policy struct {
	ApprovalThreshold      int
	DenialThreshold        int
	StrictPronunciationIDs bool
}

func DefaultPolicy() Policy {
	return Policy{ApprovalThreshold: 2, DenialThreshold: 2}
}

// ApplyBatch records every review in order. Unknown pronunciation ids are
// skipped unless the policy is strict, in which case nothing is applied.
func (p Policy) ApplyBatch(state *store.SuggestionState, reviews []PronunciationReview, userID string) ([]Result, error) {
	if p.StrictPronunciationIDs {
		for _, item := range reviews {
			if !hasPronunciation(state, item.PronunciationID) {
				return nil, apperr.Validation("unknown pronunciation id", map[string]string{"id": item.PronunciationID})
			}
		}
	}
	results := make([]Result, 0, len(reviews))
	for _, item := range reviews {
		outcome, err := RecordPronunciationReview(state, item.PronunciationID, userID, item.Review)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{PronunciationID: item.PronunciationID, Outcome: outcome})
	}
	return results, nil
}

// ShouldAutoMerge reports whether every active pronunciation has enough
// approvals and none has reached the denial threshold.
func (p Policy) ShouldAutoMerge(state *store.SuggestionState) bool {
	if state.IsMerged() {
		return false
	}
	active := state.ActivePronunciations()
	if len(active) == 0 {
		return false
	}
	for _, entry := range active {
		if len(entry.Approvals) < p.ApprovalThreshold {
			return false
		}
		if p.DenialThreshold > 0 && len(entry.Denials) >= p.DenialThreshold {
			return false
		}
	}
	return true
}

// MissingApprovals sums, over active entries, how many approvals each still
// needs to reach threshold.
func MissingApprovals(state *store.SuggestionState, threshold int) int {
	missing := 0
	for _, entry := range state.ActivePronunciations() {
		if gap := threshold - len(entry.Approvals); gap > 0 {
			missing += gap
		}
	}
	return missing
}

func hasPronunciation(state *store.SuggestionState, id string) bool {
	for _, entry := range state.Pronunciations {
		if entry.ID == id {
			return true
		}
	}
	return false
}
