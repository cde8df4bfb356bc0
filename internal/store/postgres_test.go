package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func mockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgres_CreateSource(t *testing.T) {
	st, mock := mockStore(t)
	src := testSource("heritage")

	mock.ExpectExec("INSERT INTO sources").
		WithArgs(src.ID, src.Name, src.BaseURL, string(src.SourceType), src.ReliabilityScore,
			src.PriorityScore, src.RateLimitPerHour, src.SpecializesInErrors, src.Active).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.CreateSource(context.Background(), src))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateSourceRejectsInvalidBeforeSQL(t *testing.T) {
	st, mock := mockStore(t)
	src := testSource("bad")
	src.SourceType = "blog"

	err := st.CreateSource(context.Background(), src)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrInvalidSourceConfig))
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid source must never reach the database")
}

func TestPostgres_GetSourceNotFound(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM sources WHERE id").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "base_url", "source_type", "reliability_score",
			"priority_score", "rate_limit_per_hour", "specializes_in_errors", "active",
		}))

	_, err := st.GetSource(context.Background(), "ghost")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListSourcesOrdering(t *testing.T) {
	st, mock := mockStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "name", "base_url", "source_type", "reliability_score",
		"priority_score", "rate_limit_per_hour", "specializes_in_errors", "active",
	}).
		AddRow("alpha", "Alpha", "https://alpha.example", "auction", 0.9, 9, 100, false, true).
		AddRow("zeta", "Zeta", "https://zeta.example", "dealer", 0.7, 1, 50, false, true)

	mock.ExpectQuery("SELECT (.+) FROM sources WHERE TRUE AND active ORDER BY priority_score DESC").
		WillReturnRows(rows)

	sources, err := st.ListSources(context.Background(), SourceFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "alpha", sources[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkJobRunningConflict(t *testing.T) {
	st, mock := mockStore(t)
	started := time.Now().UTC()
	job := &model.Job{ID: "job-1", StartedAt: &started}

	// CAS update touches nothing, and the follow-up read shows the job in a
	// terminal state already.
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(string(model.JobStatusRunning), job.StartedAt, "job-1", string(model.JobStatusPending)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	inputJSON, _ := json.Marshal(&model.FeatureGuess{})
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "input", "output", "error_kind", "error_message",
			"timeout_ms", "duration_ms", "created_at", "started_at", "completed_at",
		}).AddRow("job-1", "failed", inputJSON, []byte(nil), "timeout", "deadline",
			int64(500), int64(500), time.Now().UTC(), (*time.Time)(nil), (*time.Time)(nil)))

	err := st.MarkJobRunning(context.Background(), job)
	assert.True(t, eris.Is(err, ErrStateConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkJobRunningMissing(t *testing.T) {
	st, mock := mockStore(t)
	started := time.Now().UTC()

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(string(model.JobStatusRunning), &started, "ghost", string(model.JobStatusPending)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "input", "output", "error_kind", "error_message",
			"timeout_ms", "duration_ms", "created_at", "started_at", "completed_at",
		}))

	err := st.MarkJobRunning(context.Background(), &model.Job{ID: "ghost", StartedAt: &started})
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteJob(t *testing.T) {
	st, mock := mockStore(t)
	completed := time.Now().UTC()
	output := &model.JobOutput{
		Identification: &model.IdentificationRecord{JobID: "job-1", OverallConfidence: 0.9},
	}
	outputJSON, err := json.Marshal(output)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(string(model.JobStatusCompleted), outputJSON, int64(420), &completed,
			"job-1", string(model.JobStatusRunning)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.CompleteJob(context.Background(), &model.Job{
		ID: "job-1", Output: output, DurationMs: 420, CompletedAt: &completed,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertEvidence(t *testing.T) {
	st, mock := mockStore(t)
	fetched := time.Now().UTC()
	rec := model.EvidenceRecord{
		JobID:              "job-1",
		SourceID:           "heritage",
		RawPayload:         []byte(`{"year":1943}`),
		ExtractedFields:    map[string]string{model.FieldYear: "1943"},
		PerFieldConfidence: map[string]float64{model.FieldYear: 0.8},
		FetchedAt:          fetched,
	}
	fieldsJSON, _ := json.Marshal(rec.ExtractedFields)
	confJSON, _ := json.Marshal(rec.PerFieldConfidence)

	mock.ExpectExec("INSERT INTO evidence").
		WithArgs("job-1", "heritage", rec.RawPayload, fieldsJSON, confJSON, fetched).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.InsertEvidence(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}
