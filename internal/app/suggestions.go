package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/association"
	"nkowa/api/internal/pronunciation"
	"nkowa/api/internal/provenance"
	"nkowa/api/internal/query"
	"nkowa/api/internal/rbac"
	"nkowa/api/internal/review"
	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

type Page struct {
	Items []store.Document `json:"items"`
	Total int              `json:"total"`
	Range [2]int           `json:"range"`
}

func (s *Service) ListSuggestions(ctx context.Context, kind store.SuggestionKind, values url.Values) (Page, error) {
	return s.list(ctx, kind, kind.SuggestionCollection(), values, func() store.Document {
		doc, _ := store.NewSuggestion(kind)
		return doc
	})
}

func (s *Service) list(ctx context.Context, kind store.SuggestionKind, collection store.Collection, values url.Values, newDoc func() store.Document) (Page, error) {
	list, err := query.ParseList(values, s.limits)
	if err != nil {
		return Page{}, err
	}
	q := list.Query(kind)
	total, err := s.store.Count(ctx, collection, q)
	if err != nil {
		return Page{}, apperr.Dependency("count documents", err)
	}
	records, err := s.store.Find(ctx, collection, q)
	if err != nil {
		return Page{}, apperr.Dependency("list documents", err)
	}
	items := make([]store.Document, 0, len(records))
	for _, record := range records {
		doc := newDoc()
		if err := store.Decode(record, doc); err != nil {
			return Page{}, err
		}
		items = append(items, doc)
	}
	return Page{Items: items, Total: total, Range: [2]int{list.Skip, list.End()}}, nil
}

func (s *Service) GetSuggestion(ctx context.Context, kind store.SuggestionKind, id string) (store.Suggestion, error) {
	return s.loadSuggestion(ctx, kind, id)
}

func decodeSuggestion(kind store.SuggestionKind, raw json.RawMessage) (store.Suggestion, error) {
	doc, err := store.NewSuggestion(kind)
	if err != nil {
		return nil, apperr.NotFound(err.Error())
	}
	if len(raw) == 0 {
		return nil, apperr.Validation("request body is required", nil)
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, apperr.Validation("invalid suggestion body", map[string]string{"reason": err.Error()})
	}
	return doc, nil
}

// clientState drops everything a client may not set on a suggestion and
// returns the pronunciations it sent.
func clientState(state *store.SuggestionState) []store.Pronunciation {
	incoming := state.Pronunciations
	*state = store.SuggestionState{
		OriginalID:   strings.TrimSpace(state.OriginalID),
		Source:       state.Source,
		EditorsNotes: state.EditorsNotes,
	}
	return incoming
}

func (s *Service) validateSuggestion(ctx context.Context, doc store.Suggestion) error {
	switch typed := doc.(type) {
	case *store.WordSuggestion:
		if err := requireText(typed.Word, "word"); err != nil {
			return err
		}
		for i := range typed.Examples {
			if err := requireText(typed.Examples[i].Igbo, "examples.igbo"); err != nil {
				return err
			}
			if err := s.resolver.ValidateAssociatedWords(ctx, typed.Examples[i].AssociatedWords, association.ModeDraft); err != nil {
				return err
			}
		}
	case *store.ExampleSuggestion:
		if err := requireText(typed.Igbo, "igbo"); err != nil {
			return err
		}
		if err := s.resolver.ValidateAssociatedWords(ctx, typed.AssociatedWords, association.ModeDraft); err != nil {
			return err
		}
	case *store.CorpusSuggestion:
		if err := requireText(typed.Title, "title"); err != nil {
			return err
		}
	case *store.NsibidiCharacterSuggestion:
		if err := requireText(typed.Nsibidi, "nsibidi"); err != nil {
			return err
		}
	}

	originalID := doc.State().OriginalID
	if originalID == "" {
		return nil
	}
	_, err := s.store.FindOne(ctx, doc.Kind().CanonicalCollection(), originalID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Validation(fmt.Sprintf("invalid originalId %s", originalID), map[string]string{"originalId": originalID})
	}
	if err != nil {
		return apperr.Dependency("look up original document", err)
	}
	return nil
}

func (s *Service) resolveAudio(ctx context.Context, doc store.Suggestion) error {
	if word, ok := doc.(*store.WordSuggestion); ok {
		return s.audio.ResolveWord(ctx, word)
	}
	return s.audio.Resolve(ctx, doc.Kind().SuggestionCollection(), doc.GetMeta().ID, doc.State().Pronunciations)
}

func (s *Service) CreateSuggestion(ctx context.Context, kind store.SuggestionKind, raw json.RawMessage, session Session) (store.Suggestion, error) {
	doc, err := decodeSuggestion(kind, raw)
	if err != nil {
		return nil, err
	}
	*doc.GetMeta() = store.Meta{}
	incoming := clientState(doc.State())
	var nested [][]store.Pronunciation
	if word, ok := doc.(*store.WordSuggestion); ok {
		nested = make([][]store.Pronunciation, len(word.Examples))
		for i := range word.Examples {
			nested[i] = clientState(&word.Examples[i].SuggestionState)
		}
	}

	if err := s.validateSuggestion(ctx, doc); err != nil {
		return nil, err
	}
	provenance.StampNew(doc, session.UserID)
	doc.GetMeta().ID = util.NewID("")
	pronunciation.Reconcile(doc.State(), incoming, session.UserID)
	if word, ok := doc.(*store.WordSuggestion); ok {
		for i := range word.Examples {
			pronunciation.Reconcile(&word.Examples[i].SuggestionState, nested[i], session.UserID)
		}
	}
	if err := s.resolveAudio(ctx, doc); err != nil {
		return nil, err
	}

	if err := store.Put(ctx, s.store, kind.SuggestionCollection(), doc); err != nil {
		return nil, apperr.Dependency("save suggestion", err)
	}
	s.index(kind.SuggestionCollection(), doc)
	log.Printf("app: %s suggestion %s created by %s", kind, doc.GetMeta().ID, session.UserID)
	return doc, nil
}

// UpdateSuggestion replaces the suggestion's content. Review ledgers and
// merge state are kept; pronunciations are reconciled so reviewed audio is
// archived rather than overwritten.
func (s *Service) UpdateSuggestion(ctx context.Context, kind store.SuggestionKind, id string, raw json.RawMessage, session Session) (store.Suggestion, error) {
	prev, err := s.loadSuggestion(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if prev.State().IsMerged() {
		return nil, apperr.Conflict("merged suggestions cannot be edited", map[string]string{"merged": prev.State().Merged})
	}
	next, err := decodeSuggestion(kind, raw)
	if err != nil {
		return nil, err
	}

	*next.GetMeta() = *prev.GetMeta()
	state := next.State()
	incoming, source, notes := state.Pronunciations, state.Source, state.EditorsNotes
	*state = *prev.State()
	state.Source, state.EditorsNotes = source, notes
	if incoming != nil {
		pronunciation.Reconcile(state, incoming, session.UserID)
	}
	if word, ok := next.(*store.WordSuggestion); ok {
		carryNestedState(prev.(*store.WordSuggestion), word, session.UserID)
	}

	if err := s.validateSuggestion(ctx, next); err != nil {
		return nil, err
	}
	provenance.StampUpdate(prev, next, session.UserID)
	if err := s.resolveAudio(ctx, next); err != nil {
		return nil, err
	}

	err = store.Put(ctx, s.store, kind.SuggestionCollection(), next)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, apperr.Conflict("suggestion was modified by someone else; reload and try again", map[string]string{"id": id})
	}
	if err != nil {
		return nil, apperr.Dependency("save suggestion", err)
	}
	s.index(kind.SuggestionCollection(), next)
	return next, nil
}

// carryNestedState keeps the ledgers of nested examples that survive an
// edit, matched by entity id.
func carryNestedState(prev, next *store.WordSuggestion, actor string) {
	byEntity := make(map[string]store.SuggestionState, len(prev.Examples))
	for _, example := range prev.Examples {
		if example.EntityID != "" {
			byEntity[example.EntityID] = example.SuggestionState
		}
	}
	for i := range next.Examples {
		example := &next.Examples[i]
		old, ok := byEntity[example.EntityID]
		if !ok || example.EntityID == "" {
			incoming := clientState(&example.SuggestionState)
			pronunciation.Reconcile(&example.SuggestionState, incoming, actor)
			continue
		}
		incoming := example.Pronunciations
		source, notes := example.Source, example.EditorsNotes
		example.SuggestionState = old
		example.Source, example.EditorsNotes = source, notes
		if incoming != nil {
			pronunciation.Reconcile(&example.SuggestionState, incoming, actor)
		}
	}
}

// DeleteSuggestion removes an open suggestion. Authors may delete their own;
// anyone else needs the delete permission.
func (s *Service) DeleteSuggestion(ctx context.Context, kind store.SuggestionKind, id string, session Session) error {
	doc, err := s.loadSuggestion(ctx, kind, id)
	if err != nil {
		return err
	}
	if doc.State().IsMerged() {
		return apperr.Conflict("merged suggestions cannot be deleted", map[string]string{"merged": doc.State().Merged})
	}
	if doc.State().AuthorID != session.UserID && !s.Can(session.Role, rbac.ActionDelete) {
		return apperr.Permission("only the author or an editor can delete this suggestion")
	}
	err = s.store.Delete(ctx, kind.SuggestionCollection(), id, doc.GetMeta().Version)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(fmt.Sprintf("%s suggestion %s not found", kind, id))
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.Conflict("suggestion changed while it was being deleted; reload and try again", map[string]string{"id": id})
	case err != nil:
		return apperr.Dependency("delete suggestion", err)
	}
	s.unindex(kind.SuggestionCollection(), id)
	log.Printf("app: %s suggestion %s deleted by %s", kind, id, session.UserID)
	return nil
}

func (s *Service) ApproveSuggestion(ctx context.Context, kind store.SuggestionKind, id string, session Session) (store.Suggestion, error) {
	return s.mutateSuggestion(ctx, kind, id, func(doc store.Suggestion) (bool, error) {
		return review.Approve(doc.State(), session.UserID), nil
	})
}

func (s *Service) DenySuggestion(ctx context.Context, kind store.SuggestionKind, id string, session Session) (store.Suggestion, error) {
	return s.mutateSuggestion(ctx, kind, id, func(doc store.Suggestion) (bool, error) {
		return review.Deny(doc.State(), session.UserID), nil
	})
}

// RequestMerge moves a draft to MERGE_REQUESTED. The first request wins.
func (s *Service) RequestMerge(ctx context.Context, kind store.SuggestionKind, id string, session Session) (store.Suggestion, error) {
	return s.mutateSuggestion(ctx, kind, id, func(doc store.Suggestion) (bool, error) {
		state := doc.State()
		if state.MergeRequestedBy != "" {
			return false, nil
		}
		now := s.now().UTC()
		state.MergeRequestedBy = session.UserID
		state.MergeRequestedAt = &now
		return true, nil
	})
}

func (s *Service) MergeSuggestion(ctx context.Context, kind store.SuggestionKind, id string, session Session) (store.Document, error) {
	return s.engine.MergeSuggestion(ctx, kind, id, session.UserID)
}
