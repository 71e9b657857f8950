// Package provenance records who authored each part of a suggestion. Nested
// entities (dialects, examples drafted inside a word) carry their own author
// and are matched across edits by a stable entity id, not by position.
package provenance

import (
	"slices"

	"nkowa/api/internal/store"
	"nkowa/api/internal/util"
)

// StampNew attributes a freshly submitted suggestion to actor and assigns
// entity ids to its nested entities.
func StampNew(doc store.Suggestion, actor string) {
	doc.State().AuthorID = actor
	switch typed := doc.(type) {
	case *store.WordSuggestion:
		assignDefinitionIDs(typed.Definitions)
		for i := range typed.Dialects {
			dialect := &typed.Dialects[i]
			if dialect.ID == "" {
				dialect.ID = util.NewID("")
			}
			if dialect.Editor == "" {
				dialect.Editor = actor
			}
		}
		for i := range typed.Examples {
			nest(&typed.Examples[i])
			if typed.Examples[i].AuthorID == "" {
				typed.Examples[i].AuthorID = actor
			}
		}
	case *store.ExampleSuggestion:
		typed.ExampleForSuggestion = false
		typed.EntityID = ""
	}
}

// StampUpdate carries authorship from prev into next. The top-level author
// never changes. Nested entities that are new or whose content changed are
// attributed to actor; unchanged ones keep their previous author.
func StampUpdate(prev, next store.Suggestion, actor string) {
	next.State().AuthorID = util.FirstNonBlank(prev.State().AuthorID, actor)
	switch typed := next.(type) {
	case *store.WordSuggestion:
		old, _ := prev.(*store.WordSuggestion)
		if old == nil {
			old = &store.WordSuggestion{}
		}
		assignDefinitionIDs(typed.Definitions)
		stampDialects(old.Dialects, typed.Dialects, actor)
		stampExamples(old.Examples, typed.Examples, actor)
	case *store.ExampleSuggestion:
		if old, ok := prev.(*store.ExampleSuggestion); ok {
			markTranslated(&old.ExampleFields, typed)
			typed.ExampleForSuggestion = old.ExampleForSuggestion
			typed.EntityID = old.EntityID
		}
	}
}

func stampDialects(prev, next []store.DialectEntry, actor string) {
	byID := make(map[string]store.DialectEntry, len(prev))
	for _, dialect := range prev {
		if dialect.ID != "" {
			byID[dialect.ID] = dialect
		}
	}
	for i := range next {
		dialect := &next[i]
		old, ok := byID[dialect.ID]
		if dialect.ID == "" || !ok {
			dialect.ID = util.FirstNonBlank(dialect.ID, util.NewID(""))
			dialect.Editor = actor
			continue
		}
		if sameDialect(old, *dialect) {
			dialect.Editor = util.FirstNonBlank(old.Editor, actor)
		} else {
			dialect.Editor = actor
		}
	}
}

func stampExamples(prev, next []store.ExampleSuggestion, actor string) {
	byID := make(map[string]*store.ExampleSuggestion, len(prev))
	for i := range prev {
		if prev[i].EntityID != "" {
			byID[prev[i].EntityID] = &prev[i]
		}
	}
	for i := range next {
		example := &next[i]
		nest(example)
		old, ok := byID[example.EntityID]
		if !ok {
			example.AuthorID = actor
			continue
		}
		markTranslated(&old.ExampleFields, example)
		if sameExample(old.ExampleFields, example.ExampleFields) {
			example.AuthorID = util.FirstNonBlank(old.AuthorID, actor)
		} else {
			example.AuthorID = actor
		}
	}
}

// nest marks example as living only inside its parent word suggestion.
func nest(example *store.ExampleSuggestion) {
	example.ExampleForSuggestion = true
	if example.EntityID == "" {
		example.EntityID = util.FirstNonBlank(example.ID, util.NewID(""))
	}
	example.Meta = store.Meta{}
}

func markTranslated(prev *store.ExampleFields, next *store.ExampleSuggestion) {
	if prev.English == "" && next.English != "" {
		next.Flag(store.CrowdsourcingTranslate)
	}
}

func assignDefinitionIDs(definitions []store.Definition) {
	for i := range definitions {
		if definitions[i].ID == "" {
			definitions[i].ID = util.NewID("")
		}
	}
}

func sameDialect(a, b store.DialectEntry) bool {
	return a.Word == b.Word &&
		a.Pronunciation == b.Pronunciation &&
		slices.Equal(a.Variations, b.Variations) &&
		slices.Equal(a.Dialects, b.Dialects)
}

func sameExample(a, b store.ExampleFields) bool {
	return a.Igbo == b.Igbo &&
		a.English == b.English &&
		a.Meaning == b.Meaning &&
		a.Nsibidi == b.Nsibidi &&
		a.Style == b.Style &&
		a.Type == b.Type &&
		slices.Equal(a.AssociatedWords, b.AssociatedWords) &&
		slices.Equal(a.AssociatedDefinitionsSchemas, b.AssociatedDefinitionsSchemas)
}
