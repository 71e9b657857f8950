// Package importer bulk-loads example sentences as suggestions.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/provenance"
	"nkowa/api/internal/store"
)

const (
	DefaultLimit = 500
	concurrency  = 8
	bulkSource   = "bulk_upload"
)

type Indexer interface {
	Index(collection store.Collection, doc store.Document)
}

type Meta struct {
	SentenceData store.ExampleFields `json:"sentenceData"`
}

// Result reports the outcome for one uploaded sentence, in input order.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	Meta    Meta   `json:"meta"`
}

type Importer struct {
	ds    store.DocumentStore
	limit int
	index Indexer
}

// New builds an importer. index may be nil.
func New(ds store.DocumentStore, limit int, index Indexer) *Importer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Importer{ds: ds, limit: limit, index: index}
}

func (i *Importer) Limit() int {
	return i.limit
}

// BulkExamples creates one example suggestion per sentence. An oversized
// batch fails as a whole with nothing written; otherwise every sentence gets
// its own result and a rejected sentence does not affect the others.
func (i *Importer) BulkExamples(ctx context.Context, items []store.ExampleFields, actor string) ([]Result, error) {
	if len(items) > i.limit {
		return nil, apperr.Validation(
			fmt.Sprintf("cannot upload more than %d sentences at once", i.limit),
			map[string]int{"limit": i.limit, "received": len(items)},
		)
	}

	results := make([]Result, len(items))
	seen := make(map[string]int, len(items))
	pending := make([]int, 0, len(items))
	for idx, item := range items {
		item.Igbo = strings.TrimSpace(item.Igbo)
		item.English = strings.TrimSpace(item.English)
		items[idx] = item
		results[idx].Meta.SentenceData = item

		if item.Igbo == "" {
			results[idx].Message = "igbo text is required"
			continue
		}
		key := normalize(item.Igbo)
		if _, dup := seen[key]; dup {
			results[idx].Message = fmt.Sprintf("duplicate sentence in upload: %s", item.Igbo)
			continue
		}
		seen[key] = idx
		pending = append(pending, idx)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, idx := range pending {
		group.Go(func() error {
			results[idx] = i.importOne(groupCtx, items[idx], actor)
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	created := 0
	for _, result := range results {
		if result.Success {
			created++
		}
	}
	log.Printf("importer: %d of %d sentences created by %s", created, len(items), actor)
	return results, nil
}

func (i *Importer) importOne(ctx context.Context, item store.ExampleFields, actor string) Result {
	result := Result{Meta: Meta{SentenceData: item}}

	exists, err := i.exists(ctx, item.Igbo)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	if exists {
		result.Message = fmt.Sprintf("sentence already exists: %s", item.Igbo)
		return result
	}

	suggestion := &store.ExampleSuggestion{ExampleFields: item}
	suggestion.Source = bulkSource
	if suggestion.AssociatedWords == nil {
		suggestion.AssociatedWords = []string{}
	}
	provenance.StampNew(suggestion, actor)
	if err := store.Put(ctx, i.ds, store.CollectionExampleSuggestions, suggestion); err != nil {
		result.Message = fmt.Sprintf("save sentence: %v", err)
		return result
	}
	if i.index != nil {
		i.index.Index(store.CollectionExampleSuggestions, suggestion)
	}

	result.Success = true
	result.ID = suggestion.ID
	result.Message = "created"
	return result
}

// exists reports whether the sentence is already an example or an example
// suggestion, comparing texts the same way duplicates within a batch are
// found. The store narrows the candidates with a substring match; the final
// comparison runs on the normalized text.
func (i *Importer) exists(ctx context.Context, igbo string) (bool, error) {
	key := normalize(igbo)
	query := store.Query{Filters: []store.Filter{{Field: "igbo", Op: store.OpMatch, Value: matchNeedle(key)}}}
	for _, collection := range []store.Collection{store.CollectionExamples, store.CollectionExampleSuggestions} {
		records, err := i.ds.Find(ctx, collection, query)
		if err != nil {
			return false, fmt.Errorf("check existing sentence: %w", err)
		}
		for _, record := range records {
			var body struct {
				Igbo string `json:"igbo"`
			}
			if err := json.Unmarshal(record.Body, &body); err != nil {
				return false, fmt.Errorf("decode %s %s: %w", collection, record.ID, err)
			}
			if normalize(body.Igbo) == key {
				return true, nil
			}
		}
	}
	return false, nil
}

// normalize is the duplicate key for a sentence: lower case, with runs of
// whitespace collapsed to one space.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// matchNeedle picks the longest piece of a normalized sentence that every
// duplicate must contain whatever its case. SQLite only lowercases ASCII, so
// the piece stops at letters that have an upper case form outside ASCII.
func matchNeedle(key string) string {
	var best, current []rune
	for _, r := range key {
		if r == ' ' || (r > unicode.MaxASCII && unicode.ToUpper(r) != r) {
			current = current[:0]
			continue
		}
		current = append(current, r)
		if len(current) > len(best) {
			best = append(best[:0], current...)
		}
	}
	return string(best)
}
