package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func catalogEntry(baseURL string) model.ExternalSource {
	return model.ExternalSource{
		ID:               "heritage",
		Name:             "Heritage Auctions",
		BaseURL:          baseURL,
		SourceType:       model.SourceTypeAuction,
		ReliabilityScore: 0.9,
		RateLimitPerHour: 100,
		Active:           true,
	}
}

func TestHTTPAdapter_MapsResponseOntoCanonicalFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "1943", r.URL.Query().Get("year"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"coin_name": "Lincoln Cent",
			"coin_name_confidence": 0.92,
			"struck_year": 1943,
			"grade_band": "VF20"
		}`))
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(catalogEntry(srv.URL), HTTPOptions{
		Path: "/search",
		FieldMap: map[string]string{
			model.FieldName:  "coin_name",
			model.FieldYear:  "struck_year",
			model.FieldGrade: "grade_band",
		},
		DefaultConfidence: 0.6,
		Retry:             fastRetry(),
	})

	rec, err := adapter.Fetch(context.Background(), Query{
		JobID:  "job-1",
		Fields: map[string]string{model.FieldYear: "1943"},
	})
	require.NoError(t, err)

	assert.Equal(t, "heritage", rec.SourceID)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, "Lincoln Cent", rec.ExtractedFields[model.FieldName])
	assert.Equal(t, "1943", rec.ExtractedFields[model.FieldYear], "integral JSON numbers render without decimals")
	assert.Equal(t, "VF20", rec.ExtractedFields[model.FieldGrade])
	assert.InDelta(t, 0.92, rec.PerFieldConfidence[model.FieldName], 1e-9, "site-reported confidence wins")
	assert.InDelta(t, 0.6, rec.PerFieldConfidence[model.FieldYear], 1e-9, "default confidence fills the gap")
	assert.NotEmpty(t, rec.RawPayload)
	assert.False(t, rec.FetchedAt.IsZero())
}

func TestHTTPAdapter_UnmappedFieldsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"coin_name": "Morgan Dollar", "mintmark": "CC"}`))
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(catalogEntry(srv.URL), HTTPOptions{
		Path:     "/search",
		FieldMap: map[string]string{model.FieldName: "coin_name"},
		Retry:    fastRetry(),
	})

	rec, err := adapter.Fetch(context.Background(), Query{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{model.FieldName: "Morgan Dollar"}, rec.ExtractedFields)
}

func TestHTTPAdapter_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"coin_name": "Lincoln Cent"}`))
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(catalogEntry(srv.URL), HTTPOptions{
		Path:     "/search",
		FieldMap: map[string]string{model.FieldName: "coin_name"},
		Retry:    fastRetry(),
	})

	rec, err := adapter.Fetch(context.Background(), Query{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "Lincoln Cent", rec.ExtractedFields[model.FieldName])
}

func TestHTTPAdapter_HardStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(catalogEntry(srv.URL), HTTPOptions{
		Path:     "/search",
		FieldMap: map[string]string{model.FieldName: "coin_name"},
		Retry:    fastRetry(),
	})

	_, err := adapter.Fetch(context.Background(), Query{JobID: "job-1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPAdapter_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(catalogEntry(srv.URL), HTTPOptions{
		Path:     "/search",
		FieldMap: map[string]string{model.FieldName: "coin_name"},
		Retry:    fastRetry(),
	})

	_, err := adapter.Fetch(context.Background(), Query{JobID: "job-1"})
	require.Error(t, err)
}

func TestHTTPAdapter_CountryHintForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USA", r.URL.Query().Get("country"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	adapter := NewHTTPAdapter(catalogEntry(srv.URL), HTTPOptions{
		Path:     "/search",
		FieldMap: map[string]string{},
		Retry:    fastRetry(),
	})

	_, err := adapter.Fetch(context.Background(), Query{
		JobID: "job-1",
		Hints: &model.SubmissionHints{Country: "USA"},
	})
	require.NoError(t, err)
}
