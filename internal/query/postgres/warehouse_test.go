package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/duckask/internal/query"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestDryRunExplainsWithoutExecuting(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`EXPLAIN (FORMAT JSON) SELECT country FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(`[{"Plan":{}}]`))

	if err := warehouse.DryRun(context.Background(), "SELECT country FROM events;"); err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestDryRunMapsServerErrorToEngineError(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`EXPLAIN (FORMAT JSON) SELECT foo FROM events`)).
		WillReturnError(&pgconn.PgError{Code: "42703", Message: `column "foo" does not exist`})

	err := warehouse.DryRun(context.Background(), "SELECT foo FROM events")
	var engineErr *query.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("DryRun() err = %v, want *query.EngineError", err)
	}
	if !strings.Contains(engineErr.Message, `column "foo" does not exist`) || !strings.Contains(engineErr.Message, "42703") {
		t.Fatalf("engine message = %q", engineErr.Message)
	}
	assertSQLMock(t, mock)
}

func TestDryRunPassesThroughConnectionErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`EXPLAIN (FORMAT JSON) SELECT 1`)).WillReturnError(sql.ErrConnDone)

	err := warehouse.DryRun(context.Background(), "SELECT 1")
	var engineErr *query.EngineError
	if errors.As(err, &engineErr) {
		t.Fatalf("connection failure should not be an EngineError: %v", err)
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteRunsInReadOnlyTransactionWithRowCap(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM (SELECT country, total FROM revenue) AS q LIMIT 3`)).
		WillReturnRows(sqlmock.NewRows([]string{"country", "total"}).
			AddRow("DE", int64(10)).
			AddRow("US", int64(20)).
			AddRow("FR", int64(5)))
	mock.ExpectCommit()

	result, err := warehouse.Execute(context.Background(), "SELECT country, total FROM revenue", query.Limits{MaxRows: 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || !result.Truncated {
		t.Fatalf("RowCount/Truncated = %d/%v", result.RowCount, result.Truncated)
	}
	if result.Rows[1][0] != "US" {
		t.Fatalf("rows = %#v", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteRollsBackOnError(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM (SELECT 1) AS q LIMIT 11`)).
		WillReturnError(&pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"})
	mock.ExpectRollback()

	_, err := warehouse.Execute(context.Background(), "SELECT 1", query.Limits{MaxRows: 10})
	if err == nil || !strings.Contains(err.Error(), "statement timeout") {
		t.Fatalf("Execute() err = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListSchemaDefaultsToPublicSchema(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectQuery(`FROM information_schema.columns c`).
		WithArgs("public", "events").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "description"}).
			AddRow("event_id", "bigint", "NO", "primary key").
			AddRow("country", "text", "YES", ""))

	columns, err := warehouse.ListSchema(context.Background(), "events")
	if err != nil {
		t.Fatalf("ListSchema() error = %v", err)
	}
	if len(columns) != 2 {
		t.Fatalf("columns = %+v", columns)
	}
	if columns[0].Nullable || columns[0].Description != "primary key" {
		t.Fatalf("first column = %+v", columns[0])
	}
	if !columns[1].Nullable {
		t.Fatalf("second column = %+v", columns[1])
	}
	assertSQLMock(t, mock)
}

func TestListSchemaUsesExplicitSchema(t *testing.T) {
	db, mock := newSQLMock(t)
	warehouse := New(db)

	mock.ExpectQuery(`FROM information_schema.columns c`).
		WithArgs("analytics", "sessions").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "description"}))

	if _, err := warehouse.ListSchema(context.Background(), "analytics.sessions"); err == nil {
		t.Fatal("expected error for table without columns")
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
