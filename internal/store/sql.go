package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nkowa/api/internal/util"
)

// SQLStore keeps every collection in a single documents table, one JSON body
// per row, keyed by (collection, id).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) selectColumns() string {
	return "id, version, created_at, updated_at, " + s.dialect.BodyColumn()
}

func (s *SQLStore) FindOne(ctx context.Context, collection Collection, id string) (Record, error) {
	query := s.dialect.Rebind(`SELECT ` + s.selectColumns() + ` FROM documents WHERE collection = ? AND id = ?`)
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, string(collection), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("find %s/%s: %w", collection, id, err)
	}
	return record, nil
}

func (s *SQLStore) Find(ctx context.Context, collection Collection, query Query) ([]Record, error) {
	where, args, err := s.where(collection, query)
	if err != nil {
		return nil, err
	}
	statement := `SELECT ` + s.selectColumns() + ` FROM documents WHERE ` + where + s.orderBy(query.Sort)
	statement += s.dialect.Paginate(query.Limit, query.Skip, &args)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(statement), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return records, nil
}

func (s *SQLStore) Count(ctx context.Context, collection Collection, query Query) (int, error) {
	where, args, err := s.where(collection, query)
	if err != nil {
		return 0, err
	}
	var count int
	statement := s.dialect.Rebind(`SELECT COUNT(*) FROM documents WHERE ` + where)
	if err := s.db.QueryRowContext(ctx, statement, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return count, nil
}

func (s *SQLStore) Save(ctx context.Context, collection Collection, record Record) (Record, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	if record.Version == 0 {
		return s.insert(ctx, collection, record, now)
	}

	statement := s.dialect.Rebind(`
		UPDATE documents
		SET version = version + 1,
			updated_at = CASE WHEN ? > updated_at THEN ? ELSE updated_at + 1000 END,
			body = ` + s.dialect.BodyParam() + `
		WHERE collection = ? AND id = ? AND version = ?
		RETURNING version, created_at, updated_at
	`)
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, statement,
		now.UnixNano(), now.UnixNano(), string(record.Body), string(collection), record.ID, record.Version,
	).Scan(&record.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, findErr := s.FindOne(ctx, collection, record.ID); errors.Is(findErr, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, ErrVersionConflict
	}
	if err != nil {
		return Record{}, fmt.Errorf("update %s/%s: %w", collection, record.ID, err)
	}
	record.CreatedAt = time.Unix(0, createdAt).UTC()
	record.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return record, nil
}

func (s *SQLStore) insert(ctx context.Context, collection Collection, record Record, now time.Time) (Record, error) {
	if record.ID == "" {
		record.ID = util.NewID("")
	}
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now

	statement := s.dialect.Rebind(`
		INSERT INTO documents (collection, id, version, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ` + s.dialect.BodyParam() + `)
	`)
	_, err := s.db.ExecContext(ctx, statement,
		string(collection), record.ID, record.Version, now.UnixNano(), now.UnixNano(), string(record.Body),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return Record{}, ErrAlreadyExists
		}
		return Record{}, fmt.Errorf("insert %s/%s: %w", collection, record.ID, err)
	}
	return record, nil
}

func (s *SQLStore) Delete(ctx context.Context, collection Collection, id string, version int64) error {
	statement := `DELETE FROM documents WHERE collection = ? AND id = ?`
	args := []any{string(collection), id}
	if version != 0 {
		statement += ` AND version = ?`
		args = append(args, version)
	}
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(statement), args...)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		if version != 0 {
			if _, findErr := s.FindOne(ctx, collection, id); findErr == nil {
				return ErrVersionConflict
			}
		}
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) where(collection Collection, query Query) (string, []any, error) {
	if err := validateQuery(query); err != nil {
		return "", nil, err
	}
	args := []any{string(collection)}
	conditions := []string{"collection = ?"}
	for _, filter := range query.Filters {
		cond, err := s.dialect.Condition(filter, &args)
		if err != nil {
			return "", nil, err
		}
		conditions = append(conditions, cond)
	}
	return strings.Join(conditions, " AND "), args, nil
}

func (s *SQLStore) orderBy(order *Sort) string {
	clause := " ORDER BY "
	if order != nil {
		direction := " ASC"
		if order.Desc {
			direction = " DESC"
		}
		clause += s.dialect.OrderExpr(*order) + direction + ", "
	}
	return clause + "updated_at ASC, id ASC"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record               Record
		createdAt, updatedAt int64
		body                 string
	)
	if err := row.Scan(&record.ID, &record.Version, &createdAt, &updatedAt, &body); err != nil {
		return Record{}, err
	}
	record.CreatedAt = time.Unix(0, createdAt).UTC()
	record.UpdatedAt = time.Unix(0, updatedAt).UTC()
	record.Body = []byte(body)
	return record, nil
}
