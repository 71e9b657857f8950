package pronunciation

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/blob"
	"nkowa/api/internal/store"
)

func TestAdd(t *testing.T) {
	state := &store.SuggestionState{}
	entry := Add(state, "https://cdn/a.webm", "u1")
	require.Len(t, state.Pronunciations, 1)
	assert.NotEmpty(t, entry.ID)
	assert.True(t, entry.Review)
	assert.False(t, entry.Archived)
	assert.Empty(t, entry.Approvals)
	assert.Equal(t, []string{"u1"}, state.UserInteractions)
	assert.True(t, state.Crowdsourcing[store.CrowdsourcingRecordAudio])

	Add(state, "https://cdn/b.webm", "u1")
	assert.Equal(t, []string{"u1"}, state.UserInteractions)
}

func TestArchiveNeverRemoves(t *testing.T) {
	state := &store.SuggestionState{}
	first := Add(state, "a", "u1")
	Add(state, "b", "u2")

	require.NoError(t, Archive(state, first.ID))
	require.NoError(t, Archive(state, first.ID))
	assert.Len(t, state.Pronunciations, 2)
	assert.True(t, state.Pronunciations[0].Archived)
	assert.Len(t, state.ActivePronunciations(), 1)

	assert.True(t, apperr.IsNotFound(Archive(state, "missing")))
}

func TestReconcile(t *testing.T) {
	state := &store.SuggestionState{}
	kept := Add(state, "kept", "u1")
	dropped := Add(state, "dropped", "u1")
	edited := Add(state, "edited", "u1")
	reviewed := Add(state, "reviewed", "u1")
	state.Pronunciations[3].Approvals = []string{"u2"}

	incoming := []store.Pronunciation{
		{ID: kept.ID, Audio: "kept", Approvals: []string{"forged"}},
		{ID: edited.ID, Audio: "edited-v2"},
		{ID: reviewed.ID, Audio: "reviewed-v2"},
		{Audio: "brand-new"},
	}
	Reconcile(state, incoming, "u3")

	byAudio := map[string]store.Pronunciation{}
	for _, entry := range state.Pronunciations {
		byAudio[entry.Audio] = entry
	}
	assert.Len(t, state.Pronunciations, 6)
	assert.False(t, byAudio["kept"].Archived)
	assert.Empty(t, byAudio["kept"].Approvals)
	assert.True(t, byAudio["dropped"].Archived)
	assert.Equal(t, dropped.ID, byAudio["dropped"].ID)
	assert.Equal(t, edited.ID, byAudio["edited-v2"].ID)
	assert.Equal(t, "u3", byAudio["edited-v2"].Speaker)
	assert.True(t, byAudio["reviewed"].Archived)
	assert.Equal(t, []string{"u2"}, byAudio["reviewed"].Approvals)
	assert.False(t, byAudio["reviewed-v2"].Archived)
	assert.NotEqual(t, reviewed.ID, byAudio["reviewed-v2"].ID)
	assert.Equal(t, "u3", byAudio["brand-new"].Speaker)
	assert.Contains(t, state.UserInteractions, "u3")
}

func TestResolveUploadsDataURIs(t *testing.T) {
	storage := blob.NewMemoryStorage()
	manager := NewManager(storage)
	entries := []store.Pronunciation{
		{ID: "p1", Audio: "data:audio/webm;base64,aGVsbG8="},
		{ID: "p2", Audio: "https://cdn/existing.webm"},
	}
	require.NoError(t, manager.Resolve(context.Background(), store.CollectionExampleSuggestions, "ex1", entries))
	assert.True(t, strings.HasPrefix(entries[0].Audio, "memory://example_suggestions/ex1/"))
	assert.Equal(t, "https://cdn/existing.webm", entries[1].Audio)
	data, ok := storage.Object(entries[0].Audio)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestResolveFailureLeavesEntriesUntouched(t *testing.T) {
	storage := blob.NewMemoryStorage()
	storage.Err = errors.New("s3 down")
	manager := NewManager(storage)
	entries := []store.Pronunciation{
		{ID: "p1", Audio: "data:audio/webm;base64,aGVsbG8="},
	}
	err := manager.Resolve(context.Background(), store.CollectionExampleSuggestions, "ex1", entries)
	assert.True(t, apperr.HasCode(err, apperr.CodeDependency))
	assert.Equal(t, "data:audio/webm;base64,aGVsbG8=", entries[0].Audio)

	entries[0].Audio = "data:audio/webm;base64,%%%"
	err = manager.Resolve(context.Background(), store.CollectionExampleSuggestions, "ex1", entries)
	assert.True(t, apperr.IsValidation(err))
}

func example(id string, updated time.Time, entries ...store.Pronunciation) *store.ExampleSuggestion {
	doc := &store.ExampleSuggestion{}
	doc.ID = id
	doc.UpdatedAt = updated
	doc.Pronunciations = entries
	for _, entry := range entries {
		doc.UserInteractions = append(doc.UserInteractions, entry.Speaker)
	}
	return doc
}

func TestSelectForRecording(t *testing.T) {
	now := time.Now()
	open := example("open", now)
	recorded := example("recorded", now, store.Pronunciation{ID: "p", Speaker: "u1"})
	nested := example("nested", now)
	nested.ExampleForSuggestion = true
	merged := example("merged", now)
	merged.Merged = "canonical"
	interacted := example("interacted", now)
	interacted.UserInteractions = []string{"u1"}
	archivedOnly := example("archived-only", now, store.Pronunciation{ID: "old", Speaker: "u2", Archived: true})

	candidates := []*store.ExampleSuggestion{open, recorded, nested, merged, interacted, archivedOnly}
	got := SelectForRecording(candidates, "u1", 10, rand.New(rand.NewPCG(1, 2)))
	ids := make([]string, 0, len(got))
	for _, doc := range got {
		ids = append(ids, doc.ID)
		assert.Empty(t, doc.Pronunciations, "archived entries must not be returned")
	}
	assert.ElementsMatch(t, []string{"open", "archived-only"}, ids)
	assert.Len(t, archivedOnly.Pronunciations, 1)

	assert.Len(t, SelectForRecording(candidates, "u1", 1, nil), 1)
}

func TestSelectForRecordingIsRandom(t *testing.T) {
	candidates := make([]*store.ExampleSuggestion, 0, 20)
	for i := 0; i < 20; i++ {
		candidates = append(candidates, example(string(rune('a'+i)), time.Now()))
	}
	first := SelectForRecording(candidates, "u1", 5, rand.New(rand.NewPCG(1, 1)))
	second := SelectForRecording(candidates, "u1", 5, rand.New(rand.NewPCG(99, 3)))
	firstIDs, secondIDs := []string{}, []string{}
	for i := range first {
		firstIDs = append(firstIDs, first[i].ID)
		secondIDs = append(secondIDs, second[i].ID)
	}
	assert.NotEqual(t, firstIDs, secondIDs)
}

func TestSelectForReview(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	nearlyDone := example("nearly-done", base.Add(time.Hour),
		store.Pronunciation{ID: "a", Speaker: "u2", Approvals: []string{"u3"}})
	untouchedOld := example("untouched-old", base,
		store.Pronunciation{ID: "b", Speaker: "u2"})
	untouchedNew := example("untouched-new", base.Add(2*time.Hour),
		store.Pronunciation{ID: "c", Speaker: "u2"})
	own := example("own", base, store.Pronunciation{ID: "d", Speaker: "u1"})
	alreadyReviewed := example("already-reviewed", base,
		store.Pronunciation{ID: "e", Speaker: "u2", Denials: []string{"u1"}})
	archived := example("archived", base,
		store.Pronunciation{ID: "f", Speaker: "u2", Archived: true})
	mixed := example("mixed", base.Add(3*time.Hour),
		store.Pronunciation{ID: "g", Speaker: "u1"},
		store.Pronunciation{ID: "h", Speaker: "u2", Approvals: []string{"u3"}})

	got := SelectForReview([]*store.ExampleSuggestion{untouchedNew, own, nearlyDone, alreadyReviewed, archived, untouchedOld, mixed}, "u1", 10, 2)
	ids := make([]string, 0, len(got))
	for _, doc := range got {
		ids = append(ids, doc.ID)
	}
	assert.Equal(t, []string{"nearly-done", "untouched-old", "untouched-new", "mixed"}, ids)
	require.Len(t, got[3].Pronunciations, 1)
	assert.Equal(t, "h", got[3].Pronunciations[0].ID)
	assert.Len(t, mixed.Pronunciations, 2)

	assert.Len(t, SelectForReview([]*store.ExampleSuggestion{untouchedNew, untouchedOld}, "u1", 1, 2), 1)
}
