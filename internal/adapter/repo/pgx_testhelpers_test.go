package repo

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"orbital/internal/infra"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type execCall struct {
	query string
	args  []any
}

// stubDB answers by matching a substring of the query text.
type stubDB struct {
	calls      []execCall
	tags       map[string]string
	rows       map[string]simpleRow
	committed  bool
	rolledBack bool
}

func newStubDB() *stubDB {
	return &stubDB{tags: map[string]string{}, rows: map[string]simpleRow{}}
}

func (s *stubDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.calls = append(s.calls, execCall{query: query, args: args})
	for needle, tag := range s.tags {
		if strings.Contains(query, needle) {
			return pgconn.NewCommandTag(tag), nil
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *stubDB) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.calls = append(s.calls, execCall{query: query, args: args})
	for needle, row := range s.rows {
		if strings.Contains(query, needle) {
			return row
		}
	}
	return simpleRow{}
}

func (s *stubDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (s *stubDB) Begin(context.Context) (infra.SQLTx, error) {
	return s, nil
}

func (s *stubDB) Ping(context.Context) error {
	return nil
}

func (s *stubDB) Commit(context.Context) error {
	s.committed = true
	return nil
}

func (s *stubDB) Rollback(context.Context) error {
	s.rolledBack = true
	return nil
}
