package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"nkowa/api/internal/store"
)

const reindexBatchSize = 500

// Service is the facade that tries Meilisearch first and falls back to the
// document store.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: store fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes a document to Meilisearch (fire-and-forget).
func (s *Service) Index(collection store.Collection, doc store.Document) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record, err := toIndexRecord(doc)
	if err != nil {
		log.Printf("search: encode %s/%s: %v", collection, doc.GetMeta().ID, err)
		return
	}
	go func() {
		if err := s.meili.IndexDocuments(collection, []map[string]any{record}); err != nil {
			log.Printf("search: index %s/%s: %v", collection, record["id"], err)
		}
	}()
}

// Delete removes a document from Meilisearch (fire-and-forget).
func (s *Service) Delete(collection store.Collection, id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(collection, id); err != nil {
			log.Printf("search: delete %s/%s: %v", collection, id, err)
		}
	}()
}

// ReindexAll reads every collection from the store and pushes it to
// Meilisearch in batches. It returns the number of documents indexed.
func (s *Service) ReindexAll(ctx context.Context, ds store.DocumentStore) (int, error) {
	if s.meili == nil || !s.meili.Healthy() {
		return 0, fmt.Errorf("meilisearch is not available")
	}
	total := 0
	for _, collection := range store.Collections() {
		for skip := 0; ; skip += reindexBatchSize {
			records, err := ds.Find(ctx, collection, store.Query{Skip: skip, Limit: reindexBatchSize})
			if err != nil {
				return total, fmt.Errorf("reindex load %s: %w", collection, err)
			}
			if len(records) == 0 {
				break
			}
			batch := make([]map[string]any, 0, len(records))
			for _, record := range records {
				var body map[string]any
				if err := json.Unmarshal(record.Body, &body); err != nil {
					return total, fmt.Errorf("reindex decode %s/%s: %w", collection, record.ID, err)
				}
				body["id"] = record.ID
				batch = append(batch, body)
			}
			if err := s.meili.IndexDocuments(collection, batch); err != nil {
				return total, fmt.Errorf("reindex %s: %w", collection, err)
			}
			total += len(batch)
		}
	}
	return total, nil
}

func toIndexRecord(doc store.Document) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	record := map[string]any{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	record["id"] = doc.GetMeta().ID
	return record, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
