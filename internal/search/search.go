package search

import "nkowa/api/internal/store"

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string           `json:"id"`
	Collection store.Collection `json:"collection"`
	Title      string           `json:"title"`
	Snippet    string           `json:"snippet"`
}

// Query describes a search request over one collection.
type Query struct {
	Text       string
	Collection store.Collection
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a keyword search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocuments(collection store.Collection, docs []map[string]any) error
	DeleteDocument(collection store.Collection, id string) error
}

func indexUID(collection store.Collection) string {
	return "nkowa_" + string(collection)
}

// textFields lists the fields searched and shown for a collection: the first
// is the title, the second (if any) the snippet.
func textFields(collection store.Collection) []string {
	kind, _, ok := store.KindOfCollection(collection)
	if !ok {
		return nil
	}
	return kind.KeywordFields()
}
