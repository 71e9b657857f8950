package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect renders the JSON predicates SQLStore needs for one database engine.
// Queries are written with ? placeholders and passed through Rebind.
type Dialect interface {
	Name() string
	DriverName() string
	Rebind(query string) string
	BodyColumn() string
	BodyParam() string
	Condition(filter Filter, args *[]any) (string, error)
	OrderExpr(sort Sort) string
	Paginate(limit, skip int, args *[]any) string
	IsUniqueViolation(err error) bool
}

func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func metaColumn(field string) (string, bool) {
	switch field {
	case "id":
		return "id", true
	case "createdAt":
		return "created_at", true
	case "updatedAt":
		return "updated_at", true
	}
	return "", false
}

func likePattern(value any) string {
	text, _ := value.(string)
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.ToLower(text)) + "%"
}

func jsonArg(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode filter value: %w", err)
	}
	return string(raw), nil
}

type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }
func (Postgres) BodyColumn() string { return "body::text" }
func (Postgres) BodyParam() string  { return "?::jsonb" }

func (Postgres) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p Postgres) Condition(filter Filter, args *[]any) (string, error) {
	if len(filter.Any) > 0 {
		return anyCondition(p, filter.Any, args)
	}
	if column, ok := metaColumn(filter.Field); ok && (filter.Op == OpEq || filter.Op == OpNe) {
		*args = append(*args, filter.Value)
		if filter.Op == OpEq {
			return column + " = ?", nil
		}
		return column + " <> ?", nil
	}
	path := fmt.Sprintf("body->'%s'", filter.Field)
	switch filter.Op {
	case OpEq, OpNe:
		arg, err := jsonArg(filter.Value)
		if err != nil {
			return "", err
		}
		*args = append(*args, arg)
		if filter.Op == OpEq {
			return path + " = ?::jsonb", nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> ?::jsonb)", path, path), nil
	case OpContains, OpNotContains:
		arg, err := jsonArg([]any{filter.Value})
		if err != nil {
			return "", err
		}
		*args = append(*args, arg)
		cond := fmt.Sprintf("COALESCE(%s, '[]'::jsonb) @> ?::jsonb", path)
		if filter.Op == OpNotContains {
			return "NOT (" + cond + ")", nil
		}
		return cond, nil
	case OpEmpty, OpNotEmpty:
		cond := fmt.Sprintf(`COALESCE(%s, 'null'::jsonb) IN ('null'::jsonb, '""'::jsonb, 'false'::jsonb, '[]'::jsonb, '{}'::jsonb)`, path)
		if filter.Op == OpNotEmpty {
			return "NOT (" + cond + ")", nil
		}
		return cond, nil
	case OpMatch:
		*args = append(*args, likePattern(filter.Value))
		return fmt.Sprintf(`LOWER(body->>'%s') LIKE ? ESCAPE '\'`, filter.Field), nil
	}
	return "", fmt.Errorf("unsupported filter op %q", filter.Op)
}

func (Postgres) OrderExpr(sort Sort) string {
	if column, ok := metaColumn(sort.Field); ok {
		return column
	}
	if sort.ByLength {
		return fmt.Sprintf(`jsonb_array_length(CASE WHEN jsonb_typeof(body->'%[1]s') = 'array' THEN body->'%[1]s' ELSE '[]'::jsonb END)`, sort.Field)
	}
	return fmt.Sprintf("body->'%s'", sort.Field)
}

func (Postgres) Paginate(limit, skip int, args *[]any) string {
	clause := ""
	if limit > 0 {
		*args = append(*args, limit)
		clause += " LIMIT ?"
	}
	if skip > 0 {
		*args = append(*args, skip)
		clause += " OFFSET ?"
	}
	return clause
}

func (Postgres) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type SQLite struct{}

func (SQLite) Name() string               { return "sqlite" }
func (SQLite) DriverName() string         { return "sqlite" }
func (SQLite) BodyColumn() string         { return "body" }
func (SQLite) BodyParam() string          { return "?" }
func (SQLite) Rebind(query string) string { return query }

func (s SQLite) Condition(filter Filter, args *[]any) (string, error) {
	if len(filter.Any) > 0 {
		return anyCondition(s, filter.Any, args)
	}
	if column, ok := metaColumn(filter.Field); ok && (filter.Op == OpEq || filter.Op == OpNe) {
		*args = append(*args, filter.Value)
		if filter.Op == OpEq {
			return column + " = ?", nil
		}
		return column + " <> ?", nil
	}
	path := fmt.Sprintf("'$.%s'", filter.Field)
	extract := "json_extract(body, " + path + ")"
	switch filter.Op {
	case OpEq, OpNe:
		arg, err := sqliteScalar(filter.Value)
		if err != nil {
			return "", err
		}
		*args = append(*args, arg)
		if filter.Op == OpEq {
			return extract + " = ?", nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", extract, extract), nil
	case OpContains, OpNotContains:
		arg, err := sqliteScalar(filter.Value)
		if err != nil {
			return "", err
		}
		*args = append(*args, arg)
		cond := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(body, %s) WHERE json_each.value = ?)", path)
		if filter.Op == OpNotContains {
			return "NOT " + cond, nil
		}
		return cond, nil
	case OpEmpty, OpNotEmpty:
		typ := "json_type(body, " + path + ")"
		cond := fmt.Sprintf(`(%[1]s IS NULL OR %[1]s IN ('null', 'false') OR (%[1]s IN ('text', 'array', 'object') AND %[2]s IN ('', '[]', '{}')))`, typ, extract)
		if filter.Op == OpNotEmpty {
			return "NOT " + cond, nil
		}
		return cond, nil
	case OpMatch:
		*args = append(*args, likePattern(filter.Value))
		return "LOWER(" + extract + `) LIKE ? ESCAPE '\'`, nil
	}
	return "", fmt.Errorf("unsupported filter op %q", filter.Op)
}

// sqliteScalar converts a filter value to what json_extract yields for it.
func sqliteScalar(value any) (any, error) {
	switch typed := value.(type) {
	case nil, string, int, int64, float64:
		return typed, nil
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	}
	return jsonArg(value)
}

func (SQLite) OrderExpr(sort Sort) string {
	if column, ok := metaColumn(sort.Field); ok {
		return column
	}
	if sort.ByLength {
		return fmt.Sprintf("COALESCE(json_array_length(body, '$.%s'), 0)", sort.Field)
	}
	return fmt.Sprintf("json_extract(body, '$.%s')", sort.Field)
}

func (SQLite) Paginate(limit, skip int, args *[]any) string {
	if limit <= 0 && skip <= 0 {
		return ""
	}
	if limit <= 0 {
		limit = -1
	}
	*args = append(*args, limit, skip)
	return " LIMIT ? OFFSET ?"
}

func (SQLite) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func anyCondition(d Dialect, filters []Filter, args *[]any) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, inner := range filters {
		cond, err := d.Condition(inner, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, cond)
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}
