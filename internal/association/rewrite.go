package association

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

const saveConcurrency = 8

// Scope selects which collections a rewrite touches.
type Scope int

const (
	ScopeExamples Scope = 1 << iota
	ScopeExampleSuggestions
	ScopeAll = ScopeExamples | ScopeExampleSuggestions
)

// JobTracker records in-flight rewrites so a crashed run can be resumed.
type JobTracker interface {
	BeginJob(ctx context.Context, id string, payload []byte) error
	CompleteJob(ctx context.Context, id string) error
	PendingJobs(ctx context.Context) (map[string][]byte, error)
}

type rewriteJob struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
	Scope Scope  `json:"scope"`
}

func jobID(oldID, newID string) string {
	return "rewrite:" + oldID + ":" + newID
}

// RewriteReferences replaces oldID with newID in associatedWords across the
// scoped collections, collapsing any duplicate that creates. Merged
// suggestions are left alone. Running it again is a no-op.
func (r *Resolver) RewriteReferences(ctx context.Context, oldID, newID string, scope Scope) (int, error) {
	if oldID == "" || newID == "" || oldID == newID {
		return 0, nil
	}
	job := jobID(oldID, newID)
	if r.jobs != nil {
		payload, err := json.Marshal(rewriteJob{OldID: oldID, NewID: newID, Scope: scope})
		if err != nil {
			return 0, err
		}
		if err := r.jobs.BeginJob(ctx, job, payload); err != nil {
			return 0, fmt.Errorf("begin %s: %w", job, err)
		}
	}

	total := 0
	if scope&ScopeExamples != 0 {
		n, err := rewriteCollection[store.Example](ctx, r, store.CollectionExamples, oldID, newID, nil,
			func(doc *store.Example) *[]string { return &doc.AssociatedWords })
		total += n
		if err != nil {
			return total, err
		}
	}
	if scope&ScopeExampleSuggestions != 0 {
		unmerged := []store.Filter{{Field: "merged", Op: store.OpEmpty}}
		n, err := rewriteCollection[store.ExampleSuggestion](ctx, r, store.CollectionExampleSuggestions, oldID, newID, unmerged,
			func(doc *store.ExampleSuggestion) *[]string { return &doc.AssociatedWords })
		total += n
		if err != nil {
			return total, err
		}
	}

	if r.jobs != nil {
		if err := r.jobs.CompleteJob(ctx, job); err != nil {
			return total, fmt.Errorf("complete %s: %w", job, err)
		}
	}
	return total, nil
}

func rewriteCollection[T any, PT interface {
	*T
	store.Document
}](ctx context.Context, r *Resolver, collection store.Collection, oldID, newID string, extra []store.Filter, words func(PT) *[]string) (int, error) {
	query := store.Query{
		Filters: append([]store.Filter{{Field: "associatedWords", Op: store.OpContains, Value: oldID}}, extra...),
		Limit:   r.batchSize,
	}
	total := 0
	for {
		batch, err := store.FindAll[T, PT](ctx, r.ds, collection, query)
		if err != nil {
			return total, fmt.Errorf("find %s referencing %s: %w", collection, oldID, err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		updated := make([]bool, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(saveConcurrency)
		for i, doc := range batch {
			g.Go(func() error {
				ids := words(doc)
				*ids = util.Replace(*ids, oldID, newID)
				err := store.Put(gctx, r.ds, collection, doc)
				if errors.Is(err, store.ErrVersionConflict) {
					// picked up again by the next batch
					return nil
				}
				if err != nil {
					return fmt.Errorf("rewrite %s/%s: %w", collection, doc.GetMeta().ID, err)
				}
				updated[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}
		for _, ok := range updated {
			if ok {
				total++
			}
		}
	}
}

// Resume finishes every rewrite that was begun but not completed.
func (r *Resolver) Resume(ctx context.Context) (int, error) {
	if r.jobs == nil {
		return 0, nil
	}
	pending, err := r.jobs.PendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending rewrites: %w", err)
	}
	total := 0
	for id, payload := range pending {
		var job rewriteJob
		if err := json.Unmarshal(payload, &job); err != nil {
			log.Printf("association: dropping unreadable rewrite job %s: %v", id, err)
			if err := r.jobs.CompleteJob(ctx, id); err != nil {
				return total, err
			}
			continue
		}
		n, err := r.RewriteReferences(ctx, job.OldID, job.NewID, job.Scope)
		total += n
		if err != nil {
			return total, err
		}
		log.Printf("association: resumed rewrite %s -> %s (%d documents)", job.OldID, job.NewID, n)
	}
	return total, nil
}
