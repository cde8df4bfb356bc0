package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/numisworks/coinid/internal/model"
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
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	base_url              TEXT NOT NULL DEFAULT '',
	source_type           TEXT NOT NULL,
	reliability_score     REAL NOT NULL DEFAULT 0.5,
	priority_score        INTEGER NOT NULL DEFAULT 0,
	rate_limit_per_hour   INTEGER NOT NULL DEFAULT 0,
	specializes_in_errors INTEGER NOT NULL DEFAULT 0,
	active                INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'pending',
	input         TEXT NOT NULL,
	output        TEXT,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	timeout_ms    INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS evidence (
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	source_id   TEXT NOT NULL,
	raw_payload BLOB,
	fields      TEXT NOT NULL,
	confidence  TEXT NOT NULL,
	fetched_at  DATETIME NOT NULL,
	PRIMARY KEY (job_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evidence_job_id ON evidence(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sources

func (s *SQLiteStore) CreateSource(ctx context.Context, src model.ExternalSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, base_url, source_type, reliability_score, priority_score, rate_limit_per_hour, specializes_in_errors, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.BaseURL, string(src.SourceType), src.ReliabilityScore,
		src.PriorityScore, src.RateLimitPerHour, boolToInt(src.SpecializesInErrors), boolToInt(src.Active),
	)
	return eris.Wrapf(err, "sqlite: insert source %s", src.ID)
}

func (s *SQLiteStore) UpdateSource(ctx context.Context, src model.ExternalSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET name = ?, base_url = ?, source_type = ?, reliability_score = ?,
		 priority_score = ?, rate_limit_per_hour = ?, specializes_in_errors = ?, active = ?
		 WHERE id = ?`,
		src.Name, src.BaseURL, string(src.SourceType), src.ReliabilityScore,
		src.PriorityScore, src.RateLimitPerHour, boolToInt(src.SpecializesInErrors), boolToInt(src.Active),
		src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source %s", src.ID)
	}
	return checkRowsAffected(res, src.ID)
}

func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete source %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.ExternalSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, source_type, reliability_score, priority_score, rate_limit_per_hour, specializes_in_errors, active
		 FROM sources WHERE id = ?`, id)
	return scanSource(row)
}

func (s *SQLiteStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.ExternalSource, error) {
	query := `SELECT id, name, base_url, source_type, reliability_score, priority_score, rate_limit_per_hour, specializes_in_errors, active
	          FROM sources WHERE 1=1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	if filter.SpecializesInErrors != nil {
		query += ` AND specializes_in_errors = ?`
		args = append(args, boolToInt(*filter.SpecializesInErrors))
	}
	query += ` ORDER BY priority_score DESC, reliability_score DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.ExternalSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) SetSourceReliability(ctx context.Context, id string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET reliability_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set reliability %s", id)
	}
	return checkRowsAffected(res, id)
}

// jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job input")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, input, timeout_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(inputJSON), job.TimeoutMs, job.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, input, output, error_kind, error_message, timeout_ms, duration_ms, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.JobSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, error_kind, duration_ms, created_at FROM jobs
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var j model.JobSummary
		if err := rows.Scan(&j.ID, &j.Status, &j.ErrorKind, &j.DurationMs, &j.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job summary")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) MarkJobRunning(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), job.StartedAt, job.ID, string(model.JobStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job running %s", job.ID)
	}
	return s.checkTransition(ctx, res, job.ID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, job *model.Job) error {
	outputJSON, err := json.Marshal(job.Output)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job output")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, output = ?, duration_ms = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusCompleted), string(outputJSON), job.DurationMs, job.CompletedAt,
		job.ID, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", job.ID)
	}
	return s.checkTransition(ctx, res, job.ID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, duration_ms = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.JobStatusFailed), string(job.ErrorKind), job.ErrorMessage, job.DurationMs, job.CompletedAt,
		job.ID, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", job.ID)
	}
	return s.checkTransition(ctx, res, job.ID)
}

// checkTransition distinguishes a missing job from a lost compare-and-set.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return eris.Wrapf(ErrStateConflict, "job %s", jobID)
}

// evidence

func (s *SQLiteStore) InsertEvidence(ctx context.Context, rec model.EvidenceRecord) error {
	fieldsJSON, err := json.Marshal(rec.ExtractedFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence fields")
	}
	confJSON, err := json.Marshal(rec.PerFieldConfidence)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence confidence")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence (job_id, source_id, raw_payload, fields, confidence, fetched_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.SourceID, rec.RawPayload, string(fieldsJSON), string(confJSON), rec.FetchedAt,
	)
	return eris.Wrapf(err, "sqlite: insert evidence %s/%s", rec.JobID, rec.SourceID)
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, jobID string) ([]model.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, source_id, raw_payload, fields, confidence, fetched_at FROM evidence
		 WHERE job_id = ? ORDER BY source_id ASC`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		var rec model.EvidenceRecord
		var fieldsJSON, confJSON string
		if err := rows.Scan(&rec.JobID, &rec.SourceID, &rec.RawPayload, &fieldsJSON, &confJSON, &rec.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.ExtractedFields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence fields")
		}
		if err := json.Unmarshal([]byte(confJSON), &rec.PerFieldConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence confidence")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.ExternalSource, error) {
	var src model.ExternalSource
	var specializes, active int
	err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &src.SourceType, &src.ReliabilityScore,
		&src.PriorityScore, &src.RateLimitPerHour, &specializes, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan source")
	}
	src.SpecializesInErrors = specializes != 0
	src.Active = active != 0
	return &src, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var inputJSON string
	var outputJSON, errorKind sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.Status, &inputJSON, &outputJSON, &errorKind, &j.ErrorMessage,
		&j.TimeoutMs, &j.DurationMs, &j.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(inputJSON), &j.Input); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job input")
	}
	if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
		j.Output = &model.JobOutput{}
		if err := json.Unmarshal([]byte(outputJSON.String), j.Output); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job output")
		}
	}
	if errorKind.Valid {
		j.ErrorKind = model.ErrorKind(errorKind.String)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}
