package pronunciation

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/blob"
	"nkowa/api/internal/store"
)

const uploadConcurrency = 4

// Manager moves raw audio out of documents and into blob storage.
type Manager struct {
	blobs blob.Storage
}

func NewManager(blobs blob.Storage) *Manager {
	return &Manager{blobs: blobs}
}

// ResolveURI uploads value when it is a data URI and returns the stored
// URI. Any other value is returned unchanged.
func (m *Manager) ResolveURI(ctx context.Context, collection store.Collection, id, value string) (string, error) {
	if !blob.IsDataURI(value) {
		return value, nil
	}
	data, contentType, err := blob.DecodeDataURI(value)
	if err != nil {
		return "", apperr.Validation("invalid pronunciation audio", map[string]string{"reason": err.Error()})
	}
	uri, err := m.blobs.Upload(ctx, string(collection), id, data, contentType)
	if err != nil {
		return "", apperr.Dependency("upload pronunciation audio", err)
	}
	return uri, nil
}

// Resolve uploads every data URI in entries, rewriting them in place. Nothing
// is rewritten unless every upload succeeds.
func (m *Manager) Resolve(ctx context.Context, collection store.Collection, id string, entries []store.Pronunciation) error {
	uris := make([]string, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i := range entries {
		audio := entries[i].Audio
		if !blob.IsDataURI(audio) {
			uris[i] = audio
			continue
		}
		g.Go(func() error {
			uri, err := m.ResolveURI(gctx, collection, id, audio)
			if err != nil {
				return err
			}
			uris[i] = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return apperr.Dependency("upload pronunciation audio", err)
	}
	for i := range entries {
		entries[i].Audio = uris[i]
	}
	return nil
}

// ResolveWord uploads audio on the word's dialects and nested examples.
func (m *Manager) ResolveWord(ctx context.Context, doc *store.WordSuggestion) error {
	collection := store.CollectionWordSuggestions
	if err := m.Resolve(ctx, collection, doc.ID, doc.Pronunciations); err != nil {
		return err
	}
	for i := range doc.Dialects {
		uri, err := m.ResolveURI(ctx, collection, doc.ID, doc.Dialects[i].Pronunciation)
		if err != nil {
			return err
		}
		doc.Dialects[i].Pronunciation = uri
	}
	for i := range doc.Examples {
		if err := m.Resolve(ctx, store.CollectionExampleSuggestions, doc.Examples[i].EntityID, doc.Examples[i].Pronunciations); err != nil {
			return err
		}
	}
	return nil
}
