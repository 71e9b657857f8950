package association

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/store"
)

type fakeJobs struct {
	mu        sync.Mutex
	pending   map[string][]byte
	completed []string
	failBegin error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{pending: map[string][]byte{}}
}

func (f *fakeJobs) BeginJob(_ context.Context, id string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBegin != nil {
		return f.failBegin
	}
	f.pending[id] = payload
	return nil
}

func (f *fakeJobs) CompleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, id)
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobs) PendingJobs(context.Context) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.pending))
	for id, payload := range f.pending {
		out[id] = payload
	}
	return out, nil
}

func seedWord(t *testing.T, ds store.DocumentStore, id, text string) {
	t.Helper()
	word := &store.Word{WordFields: store.WordFields{Word: text}}
	word.ID = id
	require.NoError(t, store.Put(context.Background(), ds, store.CollectionWords, word))
}

func TestValidateAssociatedWords(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	seedWord(t, ds, "w1", "nri")
	draft := &store.WordSuggestion{WordFields: store.WordFields{Word: "mmiri"}}
	draft.ID = "ws1"
	require.NoError(t, store.Put(ctx, ds, store.CollectionWordSuggestions, draft))
	resolver := NewResolver(ds, nil, 0)

	require.NoError(t, resolver.ValidateAssociatedWords(ctx, nil, ModeCanonical))
	require.NoError(t, resolver.ValidateAssociatedWords(ctx, []string{"w1"}, ModeCanonical))
	require.NoError(t, resolver.ValidateAssociatedWords(ctx, []string{"w1", "ws1"}, ModeDraft))

	err := resolver.ValidateAssociatedWords(ctx, []string{"w1", "ws1"}, ModeCanonical)
	require.True(t, apperr.IsValidation(err))
	appErr, _ := apperr.As(err)
	assert.Equal(t, map[string]string{"id": "ws1"}, appErr.Details)

	err = resolver.ValidateAssociatedWords(ctx, []string{"missing", "missing"}, ModeDraft)
	require.True(t, apperr.IsValidation(err))
	appErr, _ = apperr.As(err)
	assert.Equal(t, "duplicate associated words", appErr.Message)
}

func TestCanonicalizeMergedWordSuggestions(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	seedWord(t, ds, "w1", "nri")
	merged := &store.WordSuggestion{SuggestionState: store.SuggestionState{Merged: "w1"}}
	merged.ID = "ws-merged"
	pending := &store.WordSuggestion{}
	pending.ID = "ws-pending"
	require.NoError(t, store.Put(ctx, ds, store.CollectionWordSuggestions, merged))
	require.NoError(t, store.Put(ctx, ds, store.CollectionWordSuggestions, pending))

	ids, err := NewResolver(ds, nil, 0).Canonicalize(ctx, []string{"w1", "ws-merged", "ws-pending", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w1", "ws-pending", "unknown"}, ids)
}

func TestRewriteReferencesInBatches(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	for i := 0; i < 5; i++ {
		example := &store.Example{ExampleFields: store.ExampleFields{Igbo: "e", AssociatedWords: []string{"old"}}}
		require.NoError(t, store.Put(ctx, ds, store.CollectionExamples, example))
	}
	both := &store.Example{ExampleFields: store.ExampleFields{Igbo: "both", AssociatedWords: []string{"new", "old", "other"}}}
	require.NoError(t, store.Put(ctx, ds, store.CollectionExamples, both))

	openSuggestion := &store.ExampleSuggestion{ExampleFields: store.ExampleFields{AssociatedWords: []string{"old"}}}
	mergedSuggestion := &store.ExampleSuggestion{
		ExampleFields:   store.ExampleFields{AssociatedWords: []string{"old"}},
		SuggestionState: store.SuggestionState{Merged: "ex9"},
	}
	require.NoError(t, store.Put(ctx, ds, store.CollectionExampleSuggestions, openSuggestion))
	require.NoError(t, store.Put(ctx, ds, store.CollectionExampleSuggestions, mergedSuggestion))

	jobs := newFakeJobs()
	resolver := NewResolver(ds, jobs, 2)
	n, err := resolver.RewriteReferences(ctx, "old", "new", ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Empty(t, jobs.pending)
	assert.Equal(t, []string{"rewrite:old:new"}, jobs.completed)

	var reloaded store.Example
	require.NoError(t, store.Get(ctx, ds, store.CollectionExamples, both.ID, &reloaded))
	assert.Equal(t, []string{"new", "other"}, reloaded.AssociatedWords)

	var untouched store.ExampleSuggestion
	require.NoError(t, store.Get(ctx, ds, store.CollectionExampleSuggestions, mergedSuggestion.ID, &untouched))
	assert.Equal(t, []string{"old"}, untouched.AssociatedWords)

	remaining, err := ds.Count(ctx, store.CollectionExamples, store.Query{Filters: []store.Filter{{Field: "associatedWords", Op: store.OpContains, Value: "old"}}})
	require.NoError(t, err)
	assert.Zero(t, remaining)

	n, err = resolver.RewriteReferences(ctx, "old", "new", ScopeAll)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRewriteReferencesScope(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	example := &store.Example{ExampleFields: store.ExampleFields{AssociatedWords: []string{"old"}}}
	suggestion := &store.ExampleSuggestion{ExampleFields: store.ExampleFields{AssociatedWords: []string{"old"}}}
	require.NoError(t, store.Put(ctx, ds, store.CollectionExamples, example))
	require.NoError(t, store.Put(ctx, ds, store.CollectionExampleSuggestions, suggestion))

	n, err := NewResolver(ds, nil, 0).RewriteReferences(ctx, "old", "new", ScopeExampleSuggestions)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reloaded store.Example
	require.NoError(t, store.Get(ctx, ds, store.CollectionExamples, example.ID, &reloaded))
	assert.Equal(t, []string{"old"}, reloaded.AssociatedWords)
}

func TestResumeFinishesPendingRewrites(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	example := &store.Example{ExampleFields: store.ExampleFields{AssociatedWords: []string{"old"}}}
	require.NoError(t, store.Put(ctx, ds, store.CollectionExamples, example))

	jobs := newFakeJobs()
	jobs.pending["rewrite:old:new"] = []byte(`{"oldId":"old","newId":"new","scope":3}`)
	jobs.pending["rewrite:broken"] = []byte(`not json`)

	n, err := NewResolver(ds, jobs, 10).Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, jobs.pending)

	var reloaded store.Example
	require.NoError(t, store.Get(ctx, ds, store.CollectionExamples, example.ID, &reloaded))
	assert.Equal(t, []string{"new"}, reloaded.AssociatedWords)
}

func TestRewriteReferencesStopsWhenTrackingFails(t *testing.T) {
	ds := store.NewMemoryStore()
	jobs := newFakeJobs()
	jobs.failBegin = errors.New("redis down")
	_, err := NewResolver(ds, jobs, 0).RewriteReferences(context.Background(), "a", "b", ScopeAll)
	assert.ErrorIs(t, err, jobs.failBegin)
}
