package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/history"
	"nkowa/api/internal/importer"
	"nkowa/api/internal/search"
	"nkowa/api/internal/store"
)

const defaultHistoryLimit = 50

func (s *Service) ListCanonical(ctx context.Context, kind store.SuggestionKind, values url.Values) (Page, error) {
	return s.list(ctx, kind, kind.CanonicalCollection(), values, func() store.Document {
		doc, _ := store.NewCanonical(kind)
		return doc
	})
}

func (s *Service) GetCanonical(ctx context.Context, kind store.SuggestionKind, id string) (store.Document, error) {
	doc, err := store.LoadCanonical(ctx, s.store, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s %s not found", kind, id))
	}
	if err != nil {
		return nil, apperr.Dependency("load document", err)
	}
	return doc, nil
}

// CanonicalHistory lists the audit commits of a canonical document, newest
// first. Documents written before history was enabled have none.
func (s *Service) CanonicalHistory(ctx context.Context, kind store.SuggestionKind, id string, limit int) (map[string]any, error) {
	if s.history == nil {
		return nil, apperr.NotFound("history is not enabled")
	}
	commits, err := s.history.History(string(kind.CanonicalCollection()), id, clampHistory(limit))
	if errors.Is(err, history.ErrNoHistory) {
		if _, err := s.GetCanonical(ctx, kind, id); err != nil {
			return nil, err
		}
		commits = []history.CommitInfo{}
	} else if err != nil {
		return nil, apperr.Dependency("read history", err)
	}
	return map[string]any{"id": id, "commits": commits}, nil
}

// CanonicalVersion returns a canonical document as of a history commit
// together with the fields that commit changed relative to the current one.
func (s *Service) CanonicalVersion(ctx context.Context, kind store.SuggestionKind, id, hash string) (map[string]any, error) {
	if s.history == nil {
		return nil, apperr.NotFound("history is not enabled")
	}
	collection := string(kind.CanonicalCollection())
	version, err := s.history.Version(collection, id, hash)
	switch {
	case errors.Is(err, history.ErrNoHistory):
		return nil, apperr.NotFound(fmt.Sprintf("no history for %s %s", kind, id))
	case errors.Is(err, history.ErrDeleted):
		return nil, apperr.NotFound(fmt.Sprintf("%s %s was deleted in %s", kind, id, hash))
	case err != nil:
		return nil, apperr.NotFound(fmt.Sprintf("version %s not found", hash))
	}

	payload := map[string]any{"id": id, "hash": hash, "document": version}
	if current, err := s.GetCanonical(ctx, kind, id); err == nil {
		if raw, err := json.Marshal(current); err == nil {
			payload["changedFields"] = history.ChangedFields(version, raw)
		}
	}
	return payload, nil
}

func clampHistory(limit int) int {
	if limit <= 0 || limit > defaultHistoryLimit {
		return defaultHistoryLimit
	}
	return limit
}

func (s *Service) CombineWords(ctx context.Context, primaryID, secondaryID string, session Session) (store.Word, error) {
	if err := requireText(secondaryID, "secondaryId"); err != nil {
		return store.Word{}, err
	}
	return s.engine.CombineWords(ctx, primaryID, secondaryID, session.UserID)
}

func (s *Service) BulkUploadExamples(ctx context.Context, items []store.ExampleFields, session Session) ([]importer.Result, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("at least one sentence is required", nil)
	}
	return s.importer.BulkExamples(ctx, items, session.UserID)
}

// Search runs a keyword query against one collection. Without a search
// index it scans the store.
func (s *Service) Search(ctx context.Context, text string, collection store.Collection, limit, offset int) (search.Response, error) {
	if _, _, ok := store.KindOfCollection(collection); !ok {
		return search.Response{}, apperr.Validation(fmt.Sprintf("unknown collection %q", collection), nil)
	}
	q := search.Query{Text: text, Collection: collection, Limit: s.queueLimit(limit), Offset: max(offset, 0)}
	if s.search != nil {
		return s.search.Search(q), nil
	}
	results, total, err := search.NewStoreSearcher(s.store).Search(q)
	if err != nil {
		return search.Response{}, apperr.Dependency("search", err)
	}
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: total, Query: text}, nil
}
