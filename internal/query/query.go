package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"nkowa/api/internal/apperr"
	"nkowa/api/internal/store"
)

type Limits struct {
	DefaultPageSize int
	MaxPageSize     int
}

func DefaultLimits() Limits {
	return Limits{DefaultPageSize: 10, MaxPageSize: 100}
}

// List is a parsed list request.
type List struct {
	Skip    int
	Limit   int
	Sort    *store.Sort
	Keyword string
	Filters []store.Filter
}

// Query converts the request into a store query. Keyword matching is scoped
// to the kind's text fields.
func (l List) Query(kind store.SuggestionKind) store.Query {
	filters := append([]store.Filter(nil), l.Filters...)
	if l.Keyword != "" {
		filters = append(filters, KeywordFilter(kind, l.Keyword))
	}
	return store.Query{Filters: filters, Sort: l.Sort, Skip: l.Skip, Limit: l.Limit}
}

// End is the inclusive index of the last item the page can hold.
func (l List) End() int {
	return l.Skip + l.Limit - 1
}

// ledgerFields sort by their size rather than their contents.
var ledgerFields = map[string]bool{
	"approvals":        true,
	"denials":          true,
	"pronunciations":   true,
	"userInteractions": true,
	"associatedWords":  true,
}

// ParseList reads range, page, perPage, sort, keyword and filter. An explicit
// range wins over page/perPage.
func ParseList(values url.Values, limits Limits) (List, error) {
	if limits.MaxPageSize <= 0 {
		limits = DefaultLimits()
	}
	out := List{Keyword: strings.TrimSpace(values.Get("keyword"))}

	if raw := values.Get("range"); raw != "" {
		var bounds []int
		if err := json.Unmarshal([]byte(raw), &bounds); err != nil || len(bounds) != 2 {
			return List{}, apperr.Validation("range must be [start, end]", map[string]string{"range": raw})
		}
		start, end := bounds[0], bounds[1]
		if start < 0 || end < start {
			return List{}, apperr.Validation("range must be [start, end]", map[string]string{"range": raw})
		}
		out.Skip = start
		out.Limit = min(end-start+1, limits.MaxPageSize)
	} else {
		page, err := nonNegative(values, "page", 0)
		if err != nil {
			return List{}, err
		}
		perPage, err := nonNegative(values, "perPage", limits.DefaultPageSize)
		if err != nil {
			return List{}, err
		}
		if perPage == 0 {
			perPage = limits.DefaultPageSize
		}
		perPage = min(perPage, limits.MaxPageSize)
		out.Skip = page * perPage
		out.Limit = perPage
	}

	if raw := values.Get("sort"); raw != "" {
		order, err := parseSort(raw)
		if err != nil {
			return List{}, err
		}
		out.Sort = order
	}

	if raw := values.Get("filter"); raw != "" {
		filters, err := parseFilter(raw)
		if err != nil {
			return List{}, err
		}
		out.Filters = filters
	}
	return out, nil
}

func nonNegative(values url.Values, key string, fallback int) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperr.Validation(fmt.Sprintf("%s must be a non-negative integer", key), map[string]string{key: raw})
	}
	return value, nil
}

func parseSort(raw string) (*store.Sort, error) {
	invalid := apperr.Validation(`sort must be ["field", "ASC"|"DESC"]`, map[string]string{"sort": raw})
	var parts []string
	if err := json.Unmarshal([]byte(raw), &parts); err != nil || len(parts) != 2 {
		return nil, invalid
	}
	field := parts[0]
	if !store.ValidField(field) {
		return nil, invalid
	}
	order := &store.Sort{Field: field, ByLength: ledgerFields[field]}
	switch strings.ToUpper(parts[1]) {
	case "ASC":
	case "DESC":
		order.Desc = true
	default:
		return nil, invalid
	}
	return order, nil
}

func parseFilter(raw string) ([]store.Filter, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, apperr.Validation("filter must be a JSON object", map[string]string{"filter": raw})
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	filters := make([]store.Filter, 0, len(keys))
	for _, key := range keys {
		if !store.ValidField(key) {
			return nil, apperr.Validation(fmt.Sprintf("invalid filter field %q", key), nil)
		}
		switch value := fields[key].(type) {
		case nil:
			filters = append(filters, store.Filter{Field: key, Op: store.OpEmpty})
		case string, bool, float64:
			filters = append(filters, store.Filter{Field: key, Op: store.OpEq, Value: value})
		case []any:
			for _, item := range value {
				filters = append(filters, store.Filter{Field: key, Op: store.OpContains, Value: item})
			}
		default:
			return nil, apperr.Validation(fmt.Sprintf("unsupported filter value for %q", key), nil)
		}
	}
	return filters, nil
}

// KeywordFilter matches keyword case-insensitively against any of the kind's
// text fields.
func KeywordFilter(kind store.SuggestionKind, keyword string) store.Filter {
	fields := kind.KeywordFields()
	anyOf := make([]store.Filter, 0, len(fields))
	for _, field := range fields {
		anyOf = append(anyOf, store.Filter{Field: field, Op: store.OpMatch, Value: keyword})
	}
	return store.Filter{Any: anyOf}
}
