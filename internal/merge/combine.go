package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/association"
	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

// CombineWords folds the secondary word into the primary one: definitions,
// variations and stems are unioned without duplicates, examples pointing at
// the secondary are re-pointed at the primary, and the secondary word is
// deleted together with its open suggestions.
func (e *Engine) CombineWords(ctx context.Context, primaryID, secondaryID, actor string) (store.Word, error) {
	if primaryID == secondaryID {
		return store.Word{}, apperr.Validation("cannot combine a word with itself", map[string]string{"id": primaryID})
	}
	var primary, secondary store.Word
	if err := e.loadWord(ctx, primaryID, &primary); err != nil {
		return store.Word{}, err
	}
	if err := e.loadWord(ctx, secondaryID, &secondary); err != nil {
		return store.Word{}, err
	}

	primary.Definitions = unionDefinitions(primary.Definitions, secondary.Definitions)
	primary.Variations = util.Dedupe(append(primary.Variations, secondary.Variations...))
	primary.Stems = util.Dedupe(append(primary.Stems, secondary.Stems...))
	if err := store.Put(ctx, e.ds, store.CollectionWords, &primary); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return store.Word{}, apperr.Conflict("word changed while it was being combined", map[string]string{"id": primaryID})
		}
		return store.Word{}, apperr.Dependency("save combined word", err)
	}
	message := fmt.Sprintf("Combine word %s into %s", secondaryID, primaryID)
	e.record(store.CollectionWords, &primary, actor, message)

	rewritten, err := e.resolver.RewriteReferences(ctx, secondaryID, primaryID, association.ScopeAll)
	if err != nil {
		return store.Word{}, apperr.Dependency("rewrite example references", err)
	}

	removed, err := e.deleteOpenSuggestions(ctx, secondaryID)
	if err != nil {
		return store.Word{}, err
	}

	if err := e.ds.Delete(ctx, store.CollectionWords, secondaryID, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Word{}, apperr.Dependency("delete combined word", err)
	}
	e.recordDelete(store.CollectionWords, secondaryID, actor, message)

	log.Printf("merge: combined word %s into %s (%d examples rewritten, %d suggestions removed)",
		secondaryID, primaryID, rewritten, removed)
	return primary, nil
}

func (e *Engine) loadWord(ctx context.Context, id string, word *store.Word) error {
	err := store.Get(ctx, e.ds, store.CollectionWords, id, word)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Validation(fmt.Sprintf("invalid word %s", id), map[string]string{"id": id})
	}
	if err != nil {
		return apperr.Dependency("load word", err)
	}
	return nil
}

// deleteOpenSuggestions removes unmerged word suggestions that revise the
// given word. Suggestions already merged are history and stay.
func (e *Engine) deleteOpenSuggestions(ctx context.Context, wordID string) (int, error) {
	query := store.Query{Filters: []store.Filter{
		{Field: "originalId", Op: store.OpEq, Value: wordID},
		{Field: "merged", Op: store.OpEmpty},
	}}
	records, err := e.ds.Find(ctx, store.CollectionWordSuggestions, query)
	if err != nil {
		return 0, apperr.Dependency("find word suggestions", err)
	}
	removed := 0
	for _, record := range records {
		err := e.ds.Delete(ctx, store.CollectionWordSuggestions, record.ID, record.Version)
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			// changed since the query, possibly merged; leave it alone
			log.Printf("merge: word suggestion %s changed during combine, not deleted", record.ID)
			continue
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			return removed, apperr.Dependency("delete word suggestion", err)
		}
		removed++
		if e.index != nil {
			e.index.Delete(store.CollectionWordSuggestions, record.ID)
		}
	}
	return removed, nil
}

func definitionKey(d store.Definition) string {
	return strings.Join([]string{d.WordClass, d.Nsibidi, strings.Join(d.Definitions, "\x1f")}, "\x1e")
}

func unionDefinitions(primary, secondary []store.Definition) []store.Definition {
	out := make([]store.Definition, 0, len(primary)+len(secondary))
	seenKeys := make(map[string]struct{}, len(primary)+len(secondary))
	seenIDs := make(map[string]struct{}, len(primary)+len(secondary))
	for _, group := range [][]store.Definition{primary, secondary} {
		for _, d := range group {
			key := definitionKey(d)
			if _, dup := seenKeys[key]; dup {
				continue
			}
			seenKeys[key] = struct{}{}
			if _, clash := seenIDs[d.ID]; d.ID == "" || clash {
				d.ID = util.NewID("")
			}
			seenIDs[d.ID] = struct{}{}
			d.Definitions = append([]string(nil), d.Definitions...)
			out = append(out, d)
		}
	}
	return out
}
