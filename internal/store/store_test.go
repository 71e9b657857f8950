package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "nkowa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplyMigrations(ctx, db, dialect, filepath.Join("..", "..", "db", "migrations")))
	return NewSQLStore(db, dialect)
}

// forEachStore runs fn against every DocumentStore implementation that works
// without external services.
func forEachStore(t *testing.T, fn func(t *testing.T, ds DocumentStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func saveExample(t *testing.T, ds DocumentStore, doc *ExampleSuggestion) *ExampleSuggestion {
	t.Helper()
	require.NoError(t, Put(context.Background(), ds, CollectionExampleSuggestions, doc))
	return doc
}

func TestSaveCreateAndUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		doc := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "Kedu", English: "How"}})
		require.NotEmpty(t, doc.ID)
		assert.EqualValues(t, 1, doc.Version)
		assert.False(t, doc.CreatedAt.IsZero())

		var loaded ExampleSuggestion
		require.NoError(t, Get(ctx, ds, CollectionExampleSuggestions, doc.ID, &loaded))
		assert.Equal(t, "Kedu", loaded.Igbo)

		previousUpdate := loaded.UpdatedAt
		loaded.English = "How are you"
		require.NoError(t, Put(ctx, ds, CollectionExampleSuggestions, &loaded))
		assert.EqualValues(t, 2, loaded.Version)
		assert.True(t, loaded.UpdatedAt.After(previousUpdate))
		assert.Equal(t, doc.CreatedAt, loaded.CreatedAt)
	})
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		doc := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "Nne"}})

		stale := *doc
		doc.English = "Mother"
		require.NoError(t, Put(ctx, ds, CollectionExampleSuggestions, doc))

		stale.English = "Mum"
		err := Put(ctx, ds, CollectionExampleSuggestions, &stale)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})
}

func TestSaveMissingAndDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		_, err := ds.Save(ctx, CollectionWords, Record{ID: "ghost", Version: 3, Body: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = ds.Save(ctx, CollectionWords, Record{ID: "w1", Body: json.RawMessage(`{"word":"a"}`)})
		require.NoError(t, err)
		_, err = ds.Save(ctx, CollectionWords, Record{ID: "w1", Body: json.RawMessage(`{"word":"b"}`)})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		// same id in another collection is a different document
		_, err = ds.Save(ctx, CollectionExamples, Record{ID: "w1", Body: json.RawMessage(`{"igbo":"b"}`)})
		assert.NoError(t, err)
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		doc := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "Ala"}})
		require.NoError(t, ds.Delete(ctx, CollectionExampleSuggestions, doc.ID, 0))
		_, err := ds.FindOne(ctx, CollectionExampleSuggestions, doc.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, ds.Delete(ctx, CollectionExampleSuggestions, doc.ID, 0), ErrNotFound)
	})
}

func TestDeleteChecksVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		doc := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "Osisi"}})
		stale := doc.Version
		doc.Merged = "ex-1"
		require.NoError(t, Put(ctx, ds, CollectionExampleSuggestions, doc))

		assert.ErrorIs(t, ds.Delete(ctx, CollectionExampleSuggestions, doc.ID, stale), ErrVersionConflict)
		_, err := ds.FindOne(ctx, CollectionExampleSuggestions, doc.ID)
		require.NoError(t, err)

		require.NoError(t, ds.Delete(ctx, CollectionExampleSuggestions, doc.ID, doc.Version))
		assert.ErrorIs(t, ds.Delete(ctx, CollectionExampleSuggestions, doc.ID, doc.Version), ErrNotFound)
	})
}

func TestFindFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		a := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "Ọ dị mma", AssociatedWords: []string{"w1", "w2"}}})
		b := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "Bia ebe a", AssociatedWords: []string{"w2"}}})
		c := saveExample(t, ds, &ExampleSuggestion{
			ExampleFields:   ExampleFields{Igbo: "Gaa", English: "Go"},
			SuggestionState: SuggestionState{Merged: "ex-1", MergedBy: "u1"},
		})

		ids := func(query Query) []string {
			docs, err := FindAll[ExampleSuggestion](ctx, ds, CollectionExampleSuggestions, query)
			require.NoError(t, err)
			out := make([]string, 0, len(docs))
			for _, doc := range docs {
				out = append(out, doc.ID)
			}
			return out
		}

		assert.ElementsMatch(t, []string{b.ID}, ids(Query{Filters: []Filter{{Field: "igbo", Op: OpEq, Value: "Bia ebe a"}}}))
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(Query{Filters: []Filter{{Field: "associatedWords", Op: OpContains, Value: "w2"}}}))
		assert.ElementsMatch(t, []string{b.ID, c.ID}, ids(Query{Filters: []Filter{{Field: "associatedWords", Op: OpNotContains, Value: "w1"}}}))
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(Query{Filters: []Filter{{Field: "merged", Op: OpEmpty}}}))
		assert.ElementsMatch(t, []string{c.ID}, ids(Query{Filters: []Filter{{Field: "merged", Op: OpNotEmpty}}}))
		assert.ElementsMatch(t, []string{b.ID}, ids(Query{Filters: []Filter{{Field: "igbo", Op: OpMatch, Value: "EBE"}}}))
		assert.ElementsMatch(t, []string{b.ID, c.ID}, ids(Query{Filters: []Filter{{Any: []Filter{
			{Field: "igbo", Op: OpMatch, Value: "bia"},
			{Field: "english", Op: OpMatch, Value: "go"},
		}}}}))
		assert.ElementsMatch(t, []string{a.ID}, ids(Query{Filters: []Filter{{Field: "id", Op: OpEq, Value: a.ID}}}))

		count, err := ds.Count(ctx, CollectionExampleSuggestions, Query{Filters: []Filter{{Field: "merged", Op: OpEmpty}}})
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestFindRejectsUnsafeFieldNames(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		_, err := ds.Find(context.Background(), CollectionWords, Query{Filters: []Filter{{Field: "word'); DROP", Op: OpEq, Value: "x"}}})
		assert.Error(t, err)
		_, err = ds.Find(context.Background(), CollectionWords, Query{Sort: &Sort{Field: "a.b"}})
		assert.Error(t, err)
	})
}

func TestFindSortAndPaginate(t *testing.T) {
	forEachStore(t, func(t *testing.T, ds DocumentStore) {
		ctx := context.Background()
		one := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "a"}, SuggestionState: SuggestionState{Approvals: []string{"u1"}}})
		none := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "b"}})
		three := saveExample(t, ds, &ExampleSuggestion{ExampleFields: ExampleFields{Igbo: "c"}, SuggestionState: SuggestionState{Approvals: []string{"u1", "u2", "u3"}}})

		byApprovals := &Sort{Field: "approvals", Desc: true, ByLength: true}
		docs, err := FindAll[ExampleSuggestion](ctx, ds, CollectionExampleSuggestions, Query{Sort: byApprovals})
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, []string{three.ID, one.ID, none.ID}, []string{docs[0].ID, docs[1].ID, docs[2].ID})

		docs, err = FindAll[ExampleSuggestion](ctx, ds, CollectionExampleSuggestions, Query{Sort: &Sort{Field: "igbo"}, Skip: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, none.ID, docs[0].ID)

		docs, err = FindAll[ExampleSuggestion](ctx, ds, CollectionExampleSuggestions, Query{Sort: &Sort{Field: "igbo"}, Skip: 2})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, three.ID, docs[0].ID)
	})
}

func TestLoadSuggestionByKind(t *testing.T) {
	ds := NewMemoryStore()
	ctx := context.Background()
	word := &WordSuggestion{WordFields: WordFields{Word: "nri"}}
	require.NoError(t, Put(ctx, ds, CollectionWordSuggestions, word))

	loaded, err := LoadSuggestion(ctx, ds, KindWord, word.ID)
	require.NoError(t, err)
	assert.Equal(t, KindWord, loaded.Kind())
	assert.Equal(t, "nri", loaded.(*WordSuggestion).Word)

	_, err = LoadSuggestion(ctx, ds, KindExample, word.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSuggestionStatus(t *testing.T) {
	state := &SuggestionState{}
	assert.Equal(t, StatusDraft, state.Status())
	state.MergeRequestedBy = "u1"
	assert.Equal(t, StatusMergeRequested, state.Status())
	state.Merged = "w1"
	assert.Equal(t, StatusMerged, state.Status())
}
