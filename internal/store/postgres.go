package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/company-detail/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	request    JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	record     JSONB,
	failure    JSONB,
	usage      JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS spans (
	id         TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	parent_id  TEXT,
	name       TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL,
	attributes JSONB
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_company ON runs((request->>'company_id'));
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, req model.ExtractionRequest, traceID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, trace_id, request, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, traceID, string(reqJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		TraceID:   traceID,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, record *model.CompanyRecord, failure *model.RunFailure, usage model.TokenUsage) error {
	recordJSON, failureJSON, usageJSON, err := marshalOutcome(record, failure, usage)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, record = $2, failure = $3, usage = $4, updated_at = $5 WHERE id = $6`,
		string(status), recordJSON, failureJSON, usageJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, trace_id, request, status, record, failure, usage, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	run, err := scanPgRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("postgres: run %s not found", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, trace_id, request, status, record, failure, usage, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = ` + placeholder(len(args))
	}
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		query += ` AND request->>'company_id' = ` + placeholder(len(args))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		query += ` AND request->>'session_id' = ` + placeholder(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT ` + placeholder(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET ` + placeholder(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) InsertSpan(ctx context.Context, span model.TraceSpan) error {
	attrsJSON, err := marshalAttrs(span.Attributes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO spans (id, trace_id, parent_id, name, start_time, end_time, status, attributes) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		span.ID, span.TraceID, nullable(span.ParentID), span.Name, span.Start, span.End, string(span.Status), attrsJSON,
	)
	return eris.Wrapf(err, "postgres: insert span %s", span.Name)
}

func (s *PostgresStore) ListSpans(ctx context.Context, traceID string) ([]model.TraceSpan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trace_id, parent_id, name, start_time, end_time, status, attributes FROM spans WHERE trace_id = $1 ORDER BY start_time ASC`,
		traceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list spans")
	}
	defer rows.Close()

	var spans []model.TraceSpan
	for rows.Next() {
		var sp model.TraceSpan
		var parentID, attrsJSON *string
		var status string
		if err := rows.Scan(&sp.ID, &sp.TraceID, &parentID, &sp.Name, &sp.Start, &sp.End, &status, &attrsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan span")
		}
		if parentID != nil {
			sp.ParentID = *parentID
		}
		sp.Status = model.SpanStatus(status)
		if attrsJSON != nil && *attrsJSON != "" {
			if err := json.Unmarshal([]byte(*attrsJSON), &sp.Attributes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal span attributes")
			}
		}
		spans = append(spans, sp)
	}
	return spans, eris.Wrap(rows.Err(), "postgres: list spans iterate")
}

func scanPgRun(sc scanner) (*model.Run, error) {
	var run model.Run
	var reqJSON, status string
	var recordJSON, failureJSON, usageJSON *string

	if err := sc.Scan(&run.ID, &run.TraceID, &reqJSON, &status, &recordJSON, &failureJSON, &usageJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(reqJSON), &run.Request); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal request")
	}
	if err := unmarshalOutcome(deref(recordJSON), deref(failureJSON), deref(usageJSON), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
