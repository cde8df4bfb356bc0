package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/numisworks/coinid/internal/model"
)

// Pool is the subset of pgxpool.Pool used by the store. pgxmock satisfies
// it, so postgres store tests run without a live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	base_url              TEXT NOT NULL DEFAULT '',
	source_type           TEXT NOT NULL,
	reliability_score     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	priority_score        INTEGER NOT NULL DEFAULT 0,
	rate_limit_per_hour   INTEGER NOT NULL DEFAULT 0,
	specializes_in_errors BOOLEAN NOT NULL DEFAULT FALSE,
	active                BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'pending',
	input         JSONB NOT NULL,
	output        JSONB,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	timeout_ms    BIGINT NOT NULL,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS evidence (
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	source_id   TEXT NOT NULL,
	raw_payload BYTEA,
	fields      JSONB NOT NULL,
	confidence  JSONB NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evidence_job_id ON evidence(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// sources

func (s *PostgresStore) CreateSource(ctx context.Context, src model.ExternalSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, name, base_url, source_type, reliability_score, priority_score, rate_limit_per_hour, specializes_in_errors, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		src.ID, src.Name, src.BaseURL, string(src.SourceType), src.ReliabilityScore,
		src.PriorityScore, src.RateLimitPerHour, src.SpecializesInErrors, src.Active,
	)
	return eris.Wrapf(err, "postgres: insert source %s", src.ID)
}

func (s *PostgresStore) UpdateSource(ctx context.Context, src model.ExternalSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET name = $1, base_url = $2, source_type = $3, reliability_score = $4,
		 priority_score = $5, rate_limit_per_hour = $6, specializes_in_errors = $7, active = $8
		 WHERE id = $9`,
		src.Name, src.BaseURL, string(src.SourceType), src.ReliabilityScore,
		src.PriorityScore, src.RateLimitPerHour, src.SpecializesInErrors, src.Active, src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source %s", src.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", src.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete source %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.ExternalSource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, base_url, source_type, reliability_score, priority_score, rate_limit_per_hour, specializes_in_errors, active
		 FROM sources WHERE id = $1`, id)

	var src model.ExternalSource
	err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &src.SourceType, &src.ReliabilityScore,
		&src.PriorityScore, &src.RateLimitPerHour, &src.SpecializesInErrors, &src.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get source")
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.ExternalSource, error) {
	query := `SELECT id, name, base_url, source_type, reliability_score, priority_score, rate_limit_per_hour, specializes_in_errors, active
	          FROM sources WHERE TRUE`
	var args []any
	if filter.ActiveOnly {
		query += ` AND active`
	}
	if filter.SpecializesInErrors != nil {
		args = append(args, *filter.SpecializesInErrors)
		query += ` AND specializes_in_errors = $1`
	}
	query += ` ORDER BY priority_score DESC, reliability_score DESC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var sources []model.ExternalSource
	for rows.Next() {
		var src model.ExternalSource
		if err := rows.Scan(&src.ID, &src.Name, &src.BaseURL, &src.SourceType, &src.ReliabilityScore,
			&src.PriorityScore, &src.RateLimitPerHour, &src.SpecializesInErrors, &src.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) SetSourceReliability(ctx context.Context, id string, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET reliability_score = $1 WHERE id = $2`, score, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set reliability %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

// jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job input")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, input, timeout_ms, created_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, string(job.Status), inputJSON, job.TimeoutMs, job.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, input, output, error_kind, error_message, timeout_ms, duration_ms, created_at, started_at, completed_at
		 FROM jobs WHERE id = $1`, id)

	var j model.Job
	var inputJSON []byte
	var outputJSON []byte
	var startedAt, completedAt *time.Time

	err := row.Scan(&j.ID, &j.Status, &inputJSON, &outputJSON, &j.ErrorKind, &j.ErrorMessage,
		&j.TimeoutMs, &j.DurationMs, &j.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get job")
	}

	if err := json.Unmarshal(inputJSON, &j.Input); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job input")
	}
	if len(outputJSON) > 0 && string(outputJSON) != "null" {
		j.Output = &model.JobOutput{}
		if err := json.Unmarshal(outputJSON, j.Output); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job output")
		}
	}
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.JobSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, error_kind, duration_ms, created_at FROM jobs
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var j model.JobSummary
		if err := rows.Scan(&j.ID, &j.Status, &j.ErrorKind, &j.DurationMs, &j.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job summary")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) MarkJobRunning(ctx context.Context, job *model.Job) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(model.JobStatusRunning), job.StartedAt, job.ID, string(model.JobStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job running %s", job.ID)
	}
	return s.checkTransition(ctx, tag, job.ID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, job *model.Job) error {
	outputJSON, err := json.Marshal(job.Output)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job output")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, output = $2, duration_ms = $3, completed_at = $4 WHERE id = $5 AND status = $6`,
		string(model.JobStatusCompleted), outputJSON, job.DurationMs, job.CompletedAt,
		job.ID, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", job.ID)
	}
	return s.checkTransition(ctx, tag, job.ID)
}

func (s *PostgresStore) FailJob(ctx context.Context, job *model.Job) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error_kind = $2, error_message = $3, duration_ms = $4, completed_at = $5
		 WHERE id = $6 AND status = $7`,
		string(model.JobStatusFailed), string(job.ErrorKind), job.ErrorMessage, job.DurationMs, job.CompletedAt,
		job.ID, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", job.ID)
	}
	return s.checkTransition(ctx, tag, job.ID)
}

func (s *PostgresStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, jobID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return eris.Wrapf(ErrStateConflict, "job %s", jobID)
}

// evidence

func (s *PostgresStore) InsertEvidence(ctx context.Context, rec model.EvidenceRecord) error {
	fieldsJSON, err := json.Marshal(rec.ExtractedFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence fields")
	}
	confJSON, err := json.Marshal(rec.PerFieldConfidence)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence confidence")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence (job_id, source_id, raw_payload, fields, confidence, fetched_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.JobID, rec.SourceID, rec.RawPayload, fieldsJSON, confJSON, rec.FetchedAt,
	)
	return eris.Wrapf(err, "postgres: insert evidence %s/%s", rec.JobID, rec.SourceID)
}

func (s *PostgresStore) ListEvidence(ctx context.Context, jobID string) ([]model.EvidenceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, source_id, raw_payload, fields, confidence, fetched_at FROM evidence
		 WHERE job_id = $1 ORDER BY source_id ASC`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		var rec model.EvidenceRecord
		var fieldsJSON, confJSON []byte
		if err := rows.Scan(&rec.JobID, &rec.SourceID, &rec.RawPayload, &fieldsJSON, &confJSON, &rec.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		if err := json.Unmarshal(fieldsJSON, &rec.ExtractedFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence fields")
		}
		if err := json.Unmarshal(confJSON, &rec.PerFieldConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence confidence")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}
