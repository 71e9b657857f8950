package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nkowa/api/internal/store"
)

// StoreSearcher implements Searcher with case-insensitive substring matching
// in the document store. It is the fallback when Meilisearch is unavailable.
type StoreSearcher struct {
	ds store.DocumentStore
}

func NewStoreSearcher(ds store.DocumentStore) *StoreSearcher {
	return &StoreSearcher{ds: ds}
}

// Healthy is always true; if the store is down the whole api is down.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	fields := textFields(q.Collection)
	if text == "" || len(fields) == 0 {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	anyOf := make([]store.Filter, 0, len(fields))
	for _, field := range fields {
		anyOf = append(anyOf, store.Filter{Field: field, Op: store.OpMatch, Value: text})
	}
	query := store.Query{Filters: []store.Filter{{Any: anyOf}}}

	ctx := context.Background()
	total, err := s.ds.Count(ctx, q.Collection, query)
	if err != nil {
		return nil, 0, fmt.Errorf("store search count: %w", err)
	}
	query.Skip, query.Limit = max(q.Offset, 0), limit
	records, err := s.ds.Find(ctx, q.Collection, query)
	if err != nil {
		return nil, 0, fmt.Errorf("store search: %w", err)
	}

	results := make([]Result, 0, len(records))
	for _, record := range records {
		var body map[string]any
		if err := json.Unmarshal(record.Body, &body); err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", record.ID, err)
		}
		result := Result{ID: record.ID, Collection: q.Collection}
		result.Title, _ = body[fields[0]].(string)
		if len(fields) > 1 {
			result.Snippet, _ = body[fields[1]].(string)
		}
		results = append(results, result)
	}
	return results, total, nil
}
