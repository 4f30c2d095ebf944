package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/company-detail/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	request    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	record     TEXT,
	failure    TEXT,
	usage      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS spans (
	id         TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	parent_id  TEXT,
	name       TEXT NOT NULL,
	start_time DATETIME NOT NULL,
	end_time   DATETIME NOT NULL,
	status     TEXT NOT NULL,
	attributes TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_company ON runs(json_extract(request, '$.company_id'));
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, req model.ExtractionRequest, traceID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, trace_id, request, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, traceID, string(reqJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, record *model.CompanyRecord, failure *model.RunFailure, usage model.TokenUsage) error {
	recordJSON, failureJSON, usageJSON, err := marshalOutcome(record, failure, usage)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, record = ?, failure = ?, usage = ?, updated_at = ? WHERE id = ?`,
		string(status), recordJSON, failureJSON, usageJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trace_id, request, status, record, failure, usage, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("sqlite: run %s not found", runID)
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, trace_id, request, status, record, failure, usage, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CompanyID != "" {
		query += ` AND json_extract(request, '$.company_id') = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.SessionID != "" {
		query += ` AND json_extract(request, '$.session_id') = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertSpan(ctx context.Context, span model.TraceSpan) error {
	attrsJSON, err := marshalAttrs(span.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, parent_id, name, start_time, end_time, status, attributes) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID, span.TraceID, span.ParentID, span.Name, span.Start, span.End, string(span.Status), attrsJSON,
	)
	return eris.Wrapf(err, "sqlite: insert span %s", span.Name)
}

func (s *SQLiteStore) ListSpans(ctx context.Context, traceID string) ([]model.TraceSpan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, parent_id, name, start_time, end_time, status, attributes FROM spans WHERE trace_id = ? ORDER BY start_time ASC`,
		traceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list spans")
	}
	defer rows.Close()

	var spans []model.TraceSpan
	for rows.Next() {
		var sp model.TraceSpan
		var parentID, attrsJSON sql.NullString
		var status string
		if err := rows.Scan(&sp.ID, &sp.TraceID, &parentID, &sp.Name, &sp.Start, &sp.End, &status, &attrsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan span")
		}
		sp.ParentID = parentID.String
		sp.Status = model.SpanStatus(status)
		if attrsJSON.Valid && attrsJSON.String != "" {
			if err := json.Unmarshal([]byte(attrsJSON.String), &sp.Attributes); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal span attributes")
			}
		}
		spans = append(spans, sp)
	}
	return spans, eris.Wrap(rows.Err(), "sqlite: list spans iterate")
}

// scanner abstracts *sql.Row and *sql.Rows for run scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	var run model.Run
	var reqJSON, status string
	var recordJSON, failureJSON, usageJSON sql.NullString

	if err := sc.Scan(&run.ID, &run.TraceID, &reqJSON, &status, &recordJSON, &failureJSON, &usageJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	run.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(reqJSON), &run.Request); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal request")
	}
	if err := unmarshalOutcome(recordJSON.String, failureJSON.String, usageJSON.String, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func marshalOutcome(record *model.CompanyRecord, failure *model.RunFailure, usage model.TokenUsage) (recordJSON, failureJSON, usageJSON any, err error) {
	recordJSON, failureJSON = nil, nil
	if record != nil {
		b, merr := json.Marshal(record)
		if merr != nil {
			return nil, nil, nil, eris.Wrap(merr, "store: marshal record")
		}
		recordJSON = string(b)
	}
	if failure != nil {
		b, merr := json.Marshal(failure)
		if merr != nil {
			return nil, nil, nil, eris.Wrap(merr, "store: marshal failure")
		}
		failureJSON = string(b)
	}
	b, merr := json.Marshal(usage)
	if merr != nil {
		return nil, nil, nil, eris.Wrap(merr, "store: marshal usage")
	}
	usageJSON = string(b)
	return recordJSON, failureJSON, usageJSON, nil
}

func unmarshalOutcome(recordJSON, failureJSON, usageJSON string, run *model.Run) error {
	if recordJSON != "" {
		run.Record = &model.CompanyRecord{}
		if err := json.Unmarshal([]byte(recordJSON), run.Record); err != nil {
			return eris.Wrap(err, "store: unmarshal record")
		}
	}
	if failureJSON != "" {
		run.Failure = &model.RunFailure{}
		if err := json.Unmarshal([]byte(failureJSON), run.Failure); err != nil {
			return eris.Wrap(err, "store: unmarshal failure")
		}
	}
	if usageJSON != "" {
		if err := json.Unmarshal([]byte(usageJSON), &run.Usage); err != nil {
			return eris.Wrap(err, "store: unmarshal usage")
		}
	}
	return nil
}

func marshalAttrs(attrs map[string]any) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal span attributes")
	}
	return string(b), nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s %s not found", kind, id)
	}
	return nil
}
