package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionConflict = errors.New("document version conflict")
	ErrAlreadyExists   = errors.New("document already exists")
)

// Record is the stored form of a document. Body holds the JSON encoding of
// the typed document; the other fields are authoritative over anything in Body.
type Record struct {
	ID        string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Body      json.RawMessage
}

type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpEmpty       Op = "empty"
	OpNotEmpty    Op = "not_empty"
	OpMatch       Op = "match"
)

// Filter is a condition on a top-level body field. A filter with Any set is
// the disjunction of those filters and ignores its own Field/Op/Value.
type Filter struct {
	Field string
	Op    Op
	Value any
	Any   []Filter
}

type Sort struct {
	Field string
	Desc  bool
	// ByLength orders an array field by its number of elements.
	ByLength bool
}

type Query struct {
	Filters []Filter
	Sort    *Sort
	Skip    int
	Limit   int
}

// DocumentStore is a collection-scoped JSON document store with optimistic
// concurrency. Save with Version 0 creates the document; any other Version
// must match the stored one or ErrVersionConflict is returned. Delete follows
// the same rule: version 0 deletes unconditionally.
type DocumentStore interface {
	Find(ctx context.Context, collection Collection, query Query) ([]Record, error)
	Count(ctx context.Context, collection Collection, query Query) (int, error)
	FindOne(ctx context.Context, collection Collection, id string) (Record, error)
	Save(ctx context.Context, collection Collection, record Record) (Record, error)
	Delete(ctx context.Context, collection Collection, id string, version int64) error
	Ping(ctx context.Context) error
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func ValidField(field string) bool {
	return fieldPattern.MatchString(field)
}

func validateQuery(query Query) error {
	for _, filter := range query.Filters {
		if err := validateFilter(filter); err != nil {
			return err
		}
	}
	if query.Sort != nil && !ValidField(query.Sort.Field) {
		return fmt.Errorf("invalid sort field %q", query.Sort.Field)
	}
	if query.Skip < 0 || query.Limit < 0 {
		return fmt.Errorf("invalid skip/limit %d/%d", query.Skip, query.Limit)
	}
	return nil
}

func validateFilter(filter Filter) error {
	if len(filter.Any) > 0 {
		for _, inner := range filter.Any {
			if err := validateFilter(inner); err != nil {
				return err
			}
		}
		return nil
	}
	if !ValidField(filter.Field) {
		return fmt.Errorf("invalid filter field %q", filter.Field)
	}
	switch filter.Op {
	case OpEq, OpNe, OpContains, OpNotContains, OpEmpty, OpNotEmpty, OpMatch:
		return nil
	}
	return fmt.Errorf("invalid filter op %q", filter.Op)
}

// Encode marshals a typed document into a record carrying its meta.
func Encode(doc Document) (Record, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return Record{}, fmt.Errorf("encode document: %w", err)
	}
	meta := doc.GetMeta()
	return Record{
		ID:        meta.ID,
		Version:   meta.Version,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Body:      body,
	}, nil
}

// Decode unmarshals a record into doc and applies the record's meta.
func Decode(record Record, doc Document) error {
	if err := json.Unmarshal(record.Body, doc); err != nil {
		return fmt.Errorf("decode document %s: %w", record.ID, err)
	}
	applyMeta(doc, record)
	return nil
}

func applyMeta(doc Document, record Record) {
	meta := doc.GetMeta()
	meta.ID = record.ID
	meta.Version = record.Version
	meta.CreatedAt = record.CreatedAt
	meta.UpdatedAt = record.UpdatedAt
}

// Get loads the document with id into doc.
func Get(ctx context.Context, ds DocumentStore, collection Collection, id string, doc Document) error {
	record, err := ds.FindOne(ctx, collection, id)
	if err != nil {
		return err
	}
	return Decode(record, doc)
}

// Put saves doc and refreshes its meta from the stored record.
func Put(ctx context.Context, ds DocumentStore, collection Collection, doc Document) error {
	record, err := Encode(doc)
	if err != nil {
		return err
	}
	saved, err := ds.Save(ctx, collection, record)
	if err != nil {
		return err
	}
	applyMeta(doc, saved)
	return nil
}

// FindAll runs query and decodes every record as T.
func FindAll[T any, PT interface {
	*T
	Document
}](ctx context.Context, ds DocumentStore, collection Collection, query Query) ([]PT, error) {
	records, err := ds.Find(ctx, collection, query)
	if err != nil {
		return nil, err
	}
	out := make([]PT, 0, len(records))
	for _, record := range records {
		doc := PT(new(T))
		if err := Decode(record, doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// LoadSuggestion loads a suggestion of the given kind by id.
func LoadSuggestion(ctx context.Context, ds DocumentStore, kind SuggestionKind, id string) (Suggestion, error) {
	doc, err := NewSuggestion(kind)
	if err != nil {
		return nil, err
	}
	if err := Get(ctx, ds, kind.SuggestionCollection(), id, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadCanonical loads a canonical document of the given kind by id.
func LoadCanonical(ctx context.Context, ds DocumentStore, kind SuggestionKind, id string) (Document, error) {
	doc, err := NewCanonical(kind)
	if err != nil {
		return nil, err
	}
	if err := Get(ctx, ds, kind.CanonicalCollection(), id, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
