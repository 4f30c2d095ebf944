package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-detail/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "trace-1", pgxmock.AnyArg(), "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), testRequest(), "trace-1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, trace_id, request, status, record, failure, usage, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	reqJSON := `{"company_id":"acme-1","company_name":"Acme Corp","source_url":"https://acme.example.com","schema_version":"company_profile@v1"}`
	recordJSON := `{"company_id":"acme-1","source_url":"https://acme.example.com","schema_version":"company_profile@v1","fields":{"name":"Acme Corp"}}`
	usageJSON := `{"prompt_tokens":100,"completion_tokens":50}`

	rows := pgxmock.NewRows([]string{"id", "trace_id", "request", "status", "record", "failure", "usage", "created_at", "updated_at"}).
		AddRow("run-1", "trace-1", reqJSON, "succeeded", &recordJSON, (*string)(nil), &usageJSON, now, now)

	mock.ExpectQuery(`SELECT id, trace_id, request, status, record, failure, usage, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, "acme-1", run.Request.CompanyID)
	require.NotNil(t, run.Record)
	assert.Equal(t, "Acme Corp", run.Record.Fields["name"])
	assert.Nil(t, run.Failure)
	assert.Equal(t, 100, run.Usage.PromptTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("invoking", pgxmock.AnyArg(), "nonexistent-run").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "nonexistent-run", model.RunStatusInvoking)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, record = \$2, failure = \$3, usage = \$4, updated_at = \$5 WHERE id = \$6`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	failure := &model.RunFailure{Stage: "fetching", Message: "source not found"}
	err := s.CompleteRun(context.Background(), "run-1", model.RunStatusFailed, nil, failure, model.TokenUsage{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertSpan(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO spans`).
		WithArgs("span-1", "trace-1", pgxmock.AnyArg(), "fetching", pgxmock.AnyArg(), pgxmock.AnyArg(), "ok", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	span := model.TraceSpan{
		ID:      "span-1",
		TraceID: "trace-1",
		Name:    "fetching",
		Start:   start,
		End:     start.Add(time.Second),
		Status:  model.SpanStatusOK,
	}
	require.NoError(t, s.InsertSpan(context.Background(), span))
	assert.NoError(t, mock.ExpectationsWereMet())
}
