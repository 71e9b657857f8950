// Package merge promotes suggestions into canonical documents and combines
// duplicate canonical words.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/association"
	"nkowa/api/internal/history"
	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

// Recorder keeps the audit trail of canonical writes.
type Recorder interface {
	Record(collection, id string, doc any, author, message string) (history.CommitInfo, error)
	RecordDelete(collection, id, author, message string) (history.CommitInfo, error)
}

// Indexer pushes canonical writes to the search index. Calls are expected
// to return immediately.
type Indexer interface {
	Index(collection store.Collection, doc store.Document)
	Delete(collection store.Collection, id string)
}

type Engine struct {
	ds       store.DocumentStore
	resolver *association.Resolver
	history  Recorder
	index    Indexer
}

// New builds an engine. history and index may be nil.
func New(ds store.DocumentStore, resolver *association.Resolver, history Recorder, index Indexer) *Engine {
	return &Engine{ds: ds, resolver: resolver, history: history, index: index}
}

// write is a canonical document saved during one merge.
type write struct {
	collection store.Collection
	doc        store.Document
	// prev is the stored record before the write; nil for a create.
	prev *store.Record
}

// MergeSuggestion promotes the suggestion into its canonical document and
// marks it merged by actor. Either every canonical write lands and the
// suggestion is closed, or the writes are undone and the suggestion stays
// open.
func (e *Engine) MergeSuggestion(ctx context.Context, kind store.SuggestionKind, id, actor string) (store.Document, error) {
	suggestion, err := store.LoadSuggestion(ctx, e.ds, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s suggestion %s not found", kind, id))
	}
	if err != nil {
		return nil, apperr.Dependency("load suggestion", err)
	}
	state := suggestion.State()
	if state.IsMerged() {
		return nil, apperr.Conflict("suggestion has already been merged", map[string]string{"merged": state.Merged})
	}

	if example, ok := suggestion.(*store.ExampleSuggestion); ok {
		if err := e.canonicalizeExample(ctx, &example.ExampleFields); err != nil {
			return nil, err
		}
	}

	var writes []write
	canonical, err := e.saveCanonical(ctx, suggestion, &writes)
	if err != nil {
		e.compensate(ctx, writes)
		return nil, err
	}
	canonicalID := canonical.GetMeta().ID

	if word, ok := suggestion.(*store.WordSuggestion); ok {
		if err := e.mergeNestedExamples(ctx, word, canonicalID, actor, &writes); err != nil {
			e.compensate(ctx, writes)
			return nil, err
		}
	}

	state.Merged = canonicalID
	state.MergedBy = actor
	err = store.Put(ctx, e.ds, kind.SuggestionCollection(), suggestion)
	if err != nil {
		e.compensate(ctx, writes)
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, apperr.Conflict("suggestion changed while it was being merged", map[string]string{"id": id})
		}
		return nil, apperr.Dependency("mark suggestion merged", err)
	}
	log.Printf("merge: %s suggestion %s merged into %s by %s", kind, id, canonicalID, actor)

	for _, w := range writes {
		e.record(w.collection, w.doc, actor, fmt.Sprintf("Merge %s suggestion %s", kind, id))
	}
	if e.index != nil {
		e.index.Index(kind.SuggestionCollection(), suggestion)
	}

	if kind == store.KindWord && canonicalID != id {
		// drafts that point at the word suggestion now point at the word
		if _, err := e.resolver.RewriteReferences(ctx, id, canonicalID, association.ScopeExampleSuggestions); err != nil {
			log.Printf("merge: rewrite references %s -> %s: %v", id, canonicalID, err)
		}
	}
	return canonical, nil
}

// saveCanonical applies the suggestion onto its canonical target (update
// path) or a new document (create path) and persists it.
func (e *Engine) saveCanonical(ctx context.Context, suggestion store.Suggestion, writes *[]write) (store.Document, error) {
	kind := suggestion.Kind()
	collection := kind.CanonicalCollection()
	originalID := suggestion.State().OriginalID

	var (
		target store.Document
		prev   *store.Record
		err    error
	)
	if originalID != "" {
		record, err := e.ds.FindOne(ctx, collection, originalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("original %s %s not found", kind, originalID))
		}
		if err != nil {
			return nil, apperr.Dependency("load canonical document", err)
		}
		if target, err = store.NewCanonical(kind); err != nil {
			return nil, err
		}
		if err := store.Decode(record, target); err != nil {
			return nil, err
		}
		prev = &record
	} else if target, err = store.NewCanonical(kind); err != nil {
		return nil, err
	}

	apply(suggestion, target)
	if example, ok := target.(*store.Example); ok {
		if err := e.resolver.ValidateAssociatedWords(ctx, example.AssociatedWords, association.ModeCanonical); err != nil {
			return nil, err
		}
	}

	if err := store.Put(ctx, e.ds, collection, target); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, apperr.Conflict(fmt.Sprintf("%s %s changed while it was being merged", kind, originalID), nil)
		}
		return nil, apperr.Dependency("save canonical document", err)
	}
	*writes = append(*writes, write{collection: collection, doc: target, prev: prev})
	return target, nil
}

// apply copies the suggestion's payload onto the canonical document.
func apply(suggestion store.Suggestion, target store.Document) {
	switch src := suggestion.(type) {
	case *store.WordSuggestion:
		dst := target.(*store.Word)
		dst.WordFields = src.WordFields
		dst.Pronunciations = src.ActivePronunciations()
	case *store.ExampleSuggestion:
		dst := target.(*store.Example)
		dst.ExampleFields = src.ExampleFields
		dst.Pronunciations = src.ActivePronunciations()
	case *store.CorpusSuggestion:
		target.(*store.Corpus).CorpusFields = src.CorpusFields
	case *store.NsibidiCharacterSuggestion:
		target.(*store.NsibidiCharacter).NsibidiFields = src.NsibidiFields
	}
}

// mergeNestedExamples writes every example drafted inside a word suggestion
// as a canonical example associated with the merged word.
func (e *Engine) mergeNestedExamples(ctx context.Context, word *store.WordSuggestion, canonicalID, actor string, writes *[]write) error {
	for i := range word.Examples {
		nested := &word.Examples[i]
		if nested.IsMerged() {
			continue
		}
		fields := nested.ExampleFields
		fields.AssociatedWords = util.Replace(fields.AssociatedWords, word.ID, canonicalID)
		fields.AssociatedWords, _ = util.AddToSet(fields.AssociatedWords, canonicalID)
		if err := e.canonicalizeExample(ctx, &fields); err != nil {
			return err
		}

		example := &store.ExampleSuggestion{
			SuggestionState: store.SuggestionState{
				OriginalID:     nested.OriginalID,
				Pronunciations: nested.Pronunciations,
			},
			ExampleFields: fields,
		}
		canonical, err := e.saveCanonical(ctx, example, writes)
		if err != nil {
			return fmt.Errorf("nested example %s: %w", nested.EntityID, err)
		}
		nested.AssociatedWords = fields.AssociatedWords
		nested.Merged = canonical.GetMeta().ID
		nested.MergedBy = actor
	}
	return nil
}

func (e *Engine) canonicalizeExample(ctx context.Context, fields *store.ExampleFields) error {
	ids, err := e.resolver.Canonicalize(ctx, fields.AssociatedWords)
	if err != nil {
		return err
	}
	fields.AssociatedWords = util.Dedupe(ids)
	return nil
}

// compensate undoes canonical writes in reverse order. Failures are logged;
// the merge has already failed.
func (e *Engine) compensate(ctx context.Context, writes []write) {
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		id := w.doc.GetMeta().ID
		if w.prev == nil {
			if err := e.ds.Delete(ctx, w.collection, id, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Printf("merge: compensate delete %s/%s: %v", w.collection, id, err)
			}
			continue
		}
		restore := *w.prev
		restore.Version = w.doc.GetMeta().Version
		if _, err := e.ds.Save(ctx, w.collection, restore); err != nil {
			log.Printf("merge: compensate restore %s/%s: %v", w.collection, id, err)
		}
	}
}

func (e *Engine) record(collection store.Collection, doc store.Document, actor, message string) {
	id := doc.GetMeta().ID
	if e.history != nil {
		if _, err := e.history.Record(string(collection), id, doc, actor, message); err != nil {
			log.Printf("merge: history %s/%s: %v", collection, id, err)
		}
	}
	if e.index != nil {
		e.index.Index(collection, doc)
	}
}

func (e *Engine) recordDelete(collection store.Collection, id, actor, message string) {
	if e.history != nil {
		if _, err := e.history.RecordDelete(string(collection), id, actor, message); err != nil {
			log.Printf("merge: history delete %s/%s: %v", collection, id, err)
		}
	}
	if e.index != nil {
		e.index.Delete(collection, id)
	}
}
