package association

import (
	"context"
	"errors"
	"fmt"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/store"
)

type Mode int

const (
	// ModeCanonical accepts only canonical word ids.
	ModeCanonical Mode = iota
	// ModeDraft also accepts word suggestion ids.
	ModeDraft
)

const DefaultBatchSize = 100

type Resolver struct {
	ds        store.DocumentStore
	jobs      JobTracker
	batchSize int
}

// NewResolver builds a resolver. jobs may be nil, in which case rewrites are
// not tracked for resumption.
func NewResolver(ds store.DocumentStore, jobs JobTracker, batchSize int) *Resolver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Resolver{ds: ds, jobs: jobs, batchSize: batchSize}
}

// ValidateAssociatedWords rejects duplicate ids before checking that every
// id resolves. The first offending id is reported.
func (r *Resolver) ValidateAssociatedWords(ctx context.Context, ids []string, mode Mode) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return apperr.Validation("duplicate associated words", map[string]string{"id": id})
		}
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		ok, err := r.resolves(ctx, id, mode)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Validation(fmt.Sprintf("invalid associated word %s", id), map[string]string{"id": id})
		}
	}
	return nil
}

func (r *Resolver) resolves(ctx context.Context, id string, mode Mode) (bool, error) {
	if id == "" {
		return false, nil
	}
	found, err := r.exists(ctx, store.CollectionWords, id)
	if err != nil || found || mode == ModeCanonical {
		return found, err
	}
	return r.exists(ctx, store.CollectionWordSuggestions, id)
}

func (r *Resolver) exists(ctx context.Context, collection store.Collection, id string) (bool, error) {
	_, err := r.ds.FindOne(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Dependency("look up associated word", err)
	}
	return true, nil
}

// Canonicalize swaps ids of merged word suggestions for the canonical word
// they became. Ids that are already canonical, or unknown, are kept.
func (r *Resolver) Canonicalize(ctx context.Context, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		canonical, err := r.exists(ctx, store.CollectionWords, id)
		if err != nil {
			return nil, err
		}
		if canonical {
			out = append(out, id)
			continue
		}
		var suggestion store.WordSuggestion
		err = store.Get(ctx, r.ds, store.CollectionWordSuggestions, id, &suggestion)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out = append(out, id)
		case err != nil:
			return nil, apperr.Dependency("look up associated word", err)
		case suggestion.IsMerged():
			out = append(out, suggestion.Merged)
		default:
			out = append(out, id)
		}
	}
	return out, nil
}
