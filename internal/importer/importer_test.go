package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/store"
)

func count(t *testing.T, ds store.DocumentStore) int {
	t.Helper()
	n, err := ds.Count(context.Background(), store.CollectionExampleSuggestions, store.Query{})
	require.NoError(t, err)
	return n
}

// forEachStore runs fn against the memory store and a migrated SQLite store.
func forEachStore(t *testing.T, fn func(t *testing.T, ds store.DocumentStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) {
		ctx := context.Background()
		db, dialect, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "nkowa.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, store.ApplyMigrations(ctx, db, dialect, filepath.Join("..", "..", "db", "migrations")))
		fn(t, store.NewSQLStore(db, dialect))
	})
}

func TestBulkExamplesOverLimitWritesNothing(t *testing.T) {
	ds := store.NewMemoryStore()
	imp := New(ds, 3, nil)
	items := make([]store.ExampleFields, 4)
	for i := range items {
		items[i] = store.ExampleFields{Igbo: fmt.Sprintf("ahịrịokwu %d", i)}
	}

	_, err := imp.BulkExamples(context.Background(), items, "admin")
	assert.True(t, apperr.IsValidation(err))
	assert.Zero(t, count(t, ds))

	results, err := imp.BulkExamples(context.Background(), items[:3], "admin")
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, count(t, ds))
}

func TestBulkExamplesPerItemResults(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	existing := &store.Example{ExampleFields: store.ExampleFields{Igbo: "Kedu ka ị mere"}}
	require.NoError(t, store.Put(ctx, ds, store.CollectionExamples, existing))
	draft := &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Ebee ka ị na-aga"}}
	require.NoError(t, store.Put(ctx, ds, store.CollectionExampleSuggestions, draft))

	imp := New(ds, 0, nil)
	results, err := imp.BulkExamples(ctx, []store.ExampleFields{
		{Igbo: "Abụ m onye Igbo", English: "I am Igbo"},
		{Igbo: "  Abụ m onye Igbo  "},
		{Igbo: "Kedu ka ị mere"},
		{Igbo: "Ebee ka ị na-aga"},
		{Igbo: "   "},
		{Igbo: "Ọ dị mma"},
	}, "admin")
	require.NoError(t, err)
	require.Len(t, results, 6)

	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].ID)
	assert.Equal(t, "I am Igbo", results[0].Meta.SentenceData.English)

	assert.False(t, results[1].Success)
	assert.Equal(t, "duplicate sentence in upload: Abụ m onye Igbo", results[1].Message)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Message, "already exists")
	assert.False(t, results[3].Success)
	assert.Contains(t, results[3].Message, "already exists")
	assert.False(t, results[4].Success)
	assert.True(t, results[5].Success)

	var created store.ExampleSuggestion
	require.NoError(t, store.Get(ctx, ds, store.CollectionExampleSuggestions, results[5].ID, &created))
	assert.Equal(t, "admin", created.AuthorID)
	assert.Equal(t, "bulk_upload", created.Source)
	assert.False(t, created.ExampleForSuggestion)
	assert.Equal(t, 3, count(t, ds))
}

func TestBulkExamplesExistingCheckIgnoresCaseAndSpacing(t *testing.T) {
	ctx := context.Background()
	forEachStore(t, func(t *testing.T, ds store.DocumentStore) {
		require.NoError(t, store.Put(ctx, ds, store.CollectionExamples, &store.Example{ExampleFields: store.ExampleFields{Igbo: "Nne"}}))
		require.NoError(t, store.Put(ctx, ds, store.CollectionExampleSuggestions, &store.ExampleSuggestion{ExampleFields: store.ExampleFields{Igbo: "Ị  NỌ   ebe a"}}))

		results, err := New(ds, 0, nil).BulkExamples(ctx, []store.ExampleFields{
			{Igbo: "nne"},
			{Igbo: "ị nọ ebe a"},
			{Igbo: "Nne m"},
		}, "admin")
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, "sentence already exists: nne", results[0].Message)
		assert.Equal(t, "sentence already exists: ị nọ ebe a", results[1].Message)
		assert.True(t, results[2].Success, results[2].Message)
	})
}

func TestMatchNeedle(t *testing.T) {
	assert.Equal(t, "onye", matchNeedle("abụ m onye igbo"))
	assert.Equal(t, "ebe", matchNeedle("ị nọ ebe a"))
	assert.Equal(t, "", matchNeedle("ị"))
}
