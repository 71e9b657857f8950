package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/pronunciation"
	"nkowa/api/internal/review"
	"nkowa/api/internal/store"
)

const (
	reviewConcurrency = 8
	shapeRecord       = "examples:record"
	shapeReview       = "examples:review"
)

func (s *Service) AddPronunciation(ctx context.Context, kind store.SuggestionKind, id, audio string, session Session) (store.Suggestion, error) {
	if err := requireText(audio, "audio"); err != nil {
		return nil, err
	}
	uri, err := s.audio.ResolveURI(ctx, kind.SuggestionCollection(), id, audio)
	if err != nil {
		return nil, err
	}
	doc, err := s.mutateSuggestion(ctx, kind, id, func(doc store.Suggestion) (bool, error) {
		pronunciation.Add(doc.State(), uri, session.UserID)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateSelections(ctx, session.UserID)
	return doc, nil
}

func (s *Service) ArchivePronunciation(ctx context.Context, kind store.SuggestionKind, id, pronunciationID string) (store.Suggestion, error) {
	return s.mutateSuggestion(ctx, kind, id, func(doc store.Suggestion) (bool, error) {
		state := doc.State()
		for _, entry := range state.Pronunciations {
			if entry.ID == pronunciationID && entry.Archived {
				return false, nil
			}
		}
		if err := pronunciation.Archive(state, pronunciationID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// BatchReviewInput is one example suggestion's share of a batch review.
type BatchReviewInput struct {
	ID      string                       `json:"id"`
	Reviews []review.PronunciationReview `json:"reviews"`
}

type BatchReviewResult struct {
	ID      string          `json:"id"`
	Results []review.Result `json:"results,omitempty"`
	Merged  string          `json:"merged,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ReviewPronunciations records a batch of audio reviews by one user. Each
// suggestion is handled on its own; a failure is reported in its result and
// does not stop the others. A suggestion whose pronunciations reach the
// approval threshold is merged on behalf of the system.
func (s *Service) ReviewPronunciations(ctx context.Context, inputs []BatchReviewInput, session Session) ([]BatchReviewResult, error) {
	if len(inputs) == 0 {
		return nil, apperr.Validation("at least one review is required", nil)
	}
	if len(inputs) > s.limits.MaxPageSize {
		return nil, apperr.Validation(fmt.Sprintf("cannot review more than %d suggestions at once", s.limits.MaxPageSize), nil)
	}
	for _, input := range inputs {
		if strings.TrimSpace(input.ID) == "" {
			return nil, apperr.Validation("every review needs a suggestion id", nil)
		}
		for _, item := range input.Reviews {
			if !item.Review.Valid() {
				return nil, apperr.Validation(fmt.Sprintf("unknown review action %q", item.Review), map[string]string{"id": item.PronunciationID})
			}
		}
	}

	results := make([]BatchReviewResult, len(inputs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(reviewConcurrency)
	for i, input := range inputs {
		group.Go(func() error {
			results[i] = s.reviewOne(groupCtx, input, session)
			return nil
		})
	}
	_ = group.Wait()
	s.invalidateSelections(ctx, session.UserID)
	return results, nil
}

func (s *Service) reviewOne(ctx context.Context, input BatchReviewInput, session Session) BatchReviewResult {
	result := BatchReviewResult{ID: input.ID}
	var outcomes []review.Result
	doc, err := s.mutateSuggestion(ctx, store.KindExample, input.ID, func(doc store.Suggestion) (bool, error) {
		applied, err := s.policy.ApplyBatch(doc.State(), input.Reviews, session.UserID)
		if err != nil {
			return false, err
		}
		outcomes = applied
		for _, outcome := range applied {
			if outcome.Outcome == review.OutcomeApproved || outcome.Outcome == review.OutcomeDenied {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return failed(result, err)
	}
	result.Results = outcomes

	if !s.policy.ShouldAutoMerge(doc.State()) {
		return result
	}
	canonical, err := s.engine.MergeSuggestion(ctx, store.KindExample, input.ID, store.SystemActor)
	switch {
	case err == nil:
		result.Merged = canonical.GetMeta().ID
		log.Printf("app: example suggestion %s auto-merged into %s", input.ID, result.Merged)
	case apperr.IsConflict(err):
		// another reviewer's request merged it first
	default:
		log.Printf("app: auto-merge example suggestion %s: %v", input.ID, err)
	}
	return result
}

func failed(result BatchReviewResult, err error) BatchReviewResult {
	if appErr, ok := apperr.As(err); ok {
		result.Code, result.Error = appErr.Code, appErr.Message
		return result
	}
	result.Code, result.Error = "SERVER_ERROR", "Server error"
	log.Printf("app: review %s: %v", result.ID, err)
	return result
}

// RandomForRecording returns example suggestions the user can record audio
// for, sampled at random.
func (s *Service) RandomForRecording(ctx context.Context, limit int, session Session) ([]*store.ExampleSuggestion, error) {
	limit = s.queueLimit(limit)
	pool, err := s.selectionPool(ctx, session.UserID, shapeRecord, store.Query{
		Filters: []store.Filter{
			{Field: "merged", Op: store.OpEmpty},
			{Field: "exampleForSuggestion", Op: store.OpNe, Value: true},
			{Field: "userInteractions", Op: store.OpNotContains, Value: session.UserID},
		},
		Sort: &store.Sort{Field: "pronunciations", ByLength: true},
	}, func(doc *store.ExampleSuggestion) bool {
		return pronunciation.RecordingEligible(doc, session.UserID)
	})
	if err != nil {
		return nil, err
	}
	return pronunciation.SelectForRecording(pool, session.UserID, limit, s.rng), nil
}

// RandomForReview returns example suggestions with audio the user can
// review, closest to the approval threshold first.
func (s *Service) RandomForReview(ctx context.Context, limit int, session Session) ([]*store.ExampleSuggestion, error) {
	limit = s.queueLimit(limit)
	pool, err := s.selectionPool(ctx, session.UserID, shapeReview, store.Query{
		Filters: []store.Filter{
			{Field: "merged", Op: store.OpEmpty},
			{Field: "pronunciations", Op: store.OpNotEmpty},
		},
	}, func(doc *store.ExampleSuggestion) bool {
		return len(pronunciation.Reviewable(doc, session.UserID)) > 0
	})
	if err != nil {
		return nil, err
	}
	return pronunciation.SelectForReview(pool, session.UserID, limit, s.policy.ApprovalThreshold), nil
}

func (s *Service) queueLimit(limit int) int {
	if limit <= 0 {
		return s.limits.DefaultPageSize
	}
	return min(limit, s.limits.MaxPageSize)
}

// selectionPool returns the user's candidate documents for a queue. The ids
// of eligible candidates are cached briefly per user; cached documents are
// reloaded and rechecked since they may have changed since.
func (s *Service) selectionPool(ctx context.Context, userID, shape string, q store.Query, eligible func(*store.ExampleSuggestion) bool) ([]*store.ExampleSuggestion, error) {
	ids, hit, err := s.cache.GetSelection(ctx, userID, shape)
	if err != nil {
		log.Printf("app: selection cache read for %s: %v", userID, err)
		hit = false
	}
	if hit {
		docs, err := s.loadExamples(ctx, ids)
		if err != nil {
			return nil, err
		}
		return filterExamples(docs, eligible), nil
	}

	poolSize := s.cfg.SelectionPool
	if poolSize <= 0 {
		poolSize = 200
	}
	pool, err := s.scanPool(ctx, q, poolSize, eligible)
	if err != nil {
		return nil, err
	}
	if s.cfg.SelectionCacheTTL > 0 {
		poolIDs := make([]string, 0, len(pool))
		for _, doc := range pool {
			poolIDs = append(poolIDs, doc.ID)
		}
		if err := s.cache.SaveSelection(ctx, userID, shape, poolIDs, s.cfg.SelectionCacheTTL); err != nil {
			log.Printf("app: selection cache write for %s: %v", userID, err)
		}
	}
	return pool, nil
}

// scanPool pages through the documents matching q until it has collected
// size eligible ones or the store runs out. Eligibility depends on per-user
// ledgers the query cannot always express, so a page may yield nothing.
func (s *Service) scanPool(ctx context.Context, q store.Query, size int, eligible func(*store.ExampleSuggestion) bool) ([]*store.ExampleSuggestion, error) {
	pool := make([]*store.ExampleSuggestion, 0, size)
	q.Limit = size
	for q.Skip = 0; ; q.Skip += size {
		docs, err := store.FindAll[store.ExampleSuggestion](ctx, s.store, store.CollectionExampleSuggestions, q)
		if err != nil {
			return nil, apperr.Dependency("load example suggestions", err)
		}
		for _, doc := range filterExamples(docs, eligible) {
			pool = append(pool, doc)
			if len(pool) == size {
				return pool, nil
			}
		}
		if len(docs) < size {
			return pool, nil
		}
	}
}

func (s *Service) loadExamples(ctx context.Context, ids []string) ([]*store.ExampleSuggestion, error) {
	docs := make([]*store.ExampleSuggestion, len(ids))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(reviewConcurrency)
	for i, id := range ids {
		group.Go(func() error {
			var doc store.ExampleSuggestion
			err := store.Get(groupCtx, s.store, store.CollectionExampleSuggestions, id, &doc)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			docs[i] = &doc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, apperr.Dependency("load example suggestions", err)
	}
	out := make([]*store.ExampleSuggestion, 0, len(docs))
	for _, doc := range docs {
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

func filterExamples(docs []*store.ExampleSuggestion, keep func(*store.ExampleSuggestion) bool) []*store.ExampleSuggestion {
	out := make([]*store.ExampleSuggestion, 0, len(docs))
	for _, doc := range docs {
		if keep(doc) {
			out = append(out, doc)
		}
	}
	return out
}
