package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"nkowa/api/internal/util"
)

// MemoryStore is an in-process DocumentStore for tests. It follows the same
// filter, sort and versioning rules as SQLStore; the binaries always run on
// SQLStore.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[Collection]map[string]Record
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[Collection]map[string]Record),
		now:         time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) FindOne(_ context.Context, collection Collection, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.collections[collection][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) Find(_ context.Context, collection Collection, query Query) ([]Record, error) {
	matched, err := s.match(collection, query)
	if err != nil {
		return nil, err
	}
	sortRecords(matched, query.Sort)
	if query.Skip >= len(matched) {
		return []Record{}, nil
	}
	matched = matched[query.Skip:]
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	out := make([]Record, 0, len(matched))
	for _, item := range matched {
		out = append(out, cloneRecord(item.record))
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, collection Collection, query Query) (int, error) {
	matched, err := s.match(collection, query)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (s *MemoryStore) Save(_ context.Context, collection Collection, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]Record)
		s.collections[collection] = docs
	}
	now := s.now().UTC()

	if record.Version == 0 {
		if record.ID == "" {
			record.ID = util.NewID("")
		}
		if _, exists := docs[record.ID]; exists {
			return Record{}, ErrAlreadyExists
		}
		record.Version = 1
		record.CreatedAt = now
		record.UpdatedAt = now
		docs[record.ID] = cloneRecord(record)
		return cloneRecord(record), nil
	}

	current, exists := docs[record.ID]
	if !exists {
		return Record{}, ErrNotFound
	}
	if current.Version != record.Version {
		return Record{}, ErrVersionConflict
	}
	record.Version = current.Version + 1
	record.CreatedAt = current.CreatedAt
	record.UpdatedAt = monotonic(current.UpdatedAt, now)
	docs[record.ID] = cloneRecord(record)
	return cloneRecord(record), nil
}

func (s *MemoryStore) Delete(_ context.Context, collection Collection, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	if version != 0 && current.Version != version {
		return ErrVersionConflict
	}
	delete(s.collections[collection], id)
	return nil
}

type decodedRecord struct {
	record Record
	fields map[string]any
}

func (s *MemoryStore) match(collection Collection, query Query) ([]decodedRecord, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]decodedRecord, 0)
	for _, record := range s.collections[collection] {
		fields := map[string]any{}
		if err := json.Unmarshal(record.Body, &fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, record.ID, err)
		}
		fields["id"] = record.ID
		item := decodedRecord{record: record, fields: fields}
		if matchesAll(item.fields, query.Filters) {
			out = append(out, item)
		}
	}
	return out, nil
}

func matchesAll(fields map[string]any, filters []Filter) bool {
	for _, filter := range filters {
		if !matches(fields, filter) {
			return false
		}
	}
	return true
}

func matches(fields map[string]any, filter Filter) bool {
	if len(filter.Any) > 0 {
		for _, inner := range filter.Any {
			if matches(fields, inner) {
				return true
			}
		}
		return false
	}
	value, present := fields[filter.Field]
	switch filter.Op {
	case OpEq:
		return present && reflect.DeepEqual(value, normalize(filter.Value))
	case OpNe:
		return !present || !reflect.DeepEqual(value, normalize(filter.Value))
	case OpContains:
		return arrayContains(value, normalize(filter.Value))
	case OpNotContains:
		return !arrayContains(value, normalize(filter.Value))
	case OpEmpty:
		return isEmpty(value)
	case OpNotEmpty:
		return !isEmpty(value)
	case OpMatch:
		text, ok := value.(string)
		needle, _ := filter.Value.(string)
		return ok && strings.Contains(strings.ToLower(text), strings.ToLower(needle))
	}
	return false
}

// normalize runs a Go value through JSON so it compares equal to decoded bodies.
func normalize(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}

func arrayContains(value, needle any) bool {
	items, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if reflect.DeepEqual(item, needle) {
			return true
		}
	}
	return false
}

func isEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case bool:
		return !typed
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	}
	return false
}

func sortRecords(items []decodedRecord, order *Sort) {
	sort.SliceStable(items, func(i, j int) bool {
		if order != nil {
			cmp := compareField(items[i], items[j], order)
			if cmp != 0 {
				if order.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		if !items[i].record.UpdatedAt.Equal(items[j].record.UpdatedAt) {
			return items[i].record.UpdatedAt.Before(items[j].record.UpdatedAt)
		}
		return items[i].record.ID < items[j].record.ID
	})
}

func compareField(a, b decodedRecord, order *Sort) int {
	switch order.Field {
	case "createdAt":
		return a.record.CreatedAt.Compare(b.record.CreatedAt)
	case "updatedAt":
		return a.record.UpdatedAt.Compare(b.record.UpdatedAt)
	case "id":
		return strings.Compare(a.record.ID, b.record.ID)
	}
	left, right := a.fields[order.Field], b.fields[order.Field]
	if order.ByLength {
		return compareInts(arrayLength(left), arrayLength(right))
	}
	return compareValues(left, right)
}

func arrayLength(value any) int {
	items, _ := value.([]any)
	return len(items)
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareValues(a, b any) int {
	switch left := a.(type) {
	case float64:
		if right, ok := b.(float64); ok {
			switch {
			case left < right:
				return -1
			case left > right:
				return 1
			}
			return 0
		}
	case string:
		if right, ok := b.(string); ok {
			return strings.Compare(left, right)
		}
	case bool:
		if right, ok := b.(bool); ok {
			if left == right {
				return 0
			}
			if !left {
				return -1
			}
			return 1
		}
	}
	return compareInts(typeRank(a), typeRank(b))
}

func typeRank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

func cloneRecord(record Record) Record {
	record.Body = append(json.RawMessage(nil), record.Body...)
	return record
}

// monotonic keeps updatedAt strictly increasing across writes.
func monotonic(previous, now time.Time) time.Time {
	if !now.After(previous) {
		return previous.Add(time.Microsecond)
	}
	return now
}
