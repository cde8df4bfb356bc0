package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/resilience"
)

// HTTPOptions configures a generic JSON-over-HTTP source adapter.
type HTTPOptions struct {
	// Path is the query endpoint, joined onto the source's base URL.
	Path string
	// FieldMap maps canonical field names to the keys the site uses in its
	// response body. Unmapped canonical fields are simply absent from the
	// evidence this source produces.
	FieldMap map[string]string
	// DefaultConfidence is used for any mapped field the site does not
	// report a per-field confidence for.
	DefaultConfidence float64
	Timeout           time.Duration
	Retry             resilience.RetryConfig
	UserAgent         string
}

// HTTPAdapter queries a source that exposes a JSON search endpoint. The
// site's flat response object is remapped onto the canonical field set;
// a "<key>_confidence" sibling number, when present, becomes the per-field
// confidence.
type HTTPAdapter struct {
	src    model.ExternalSource
	opts   HTTPOptions
	client *http.Client
}

// NewHTTPAdapter creates an adapter for one catalog source.
func NewHTTPAdapter(src model.ExternalSource, opts HTTPOptions) *HTTPAdapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.DefaultConfidence <= 0 {
		opts.DefaultConfidence = 0.6
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "coinid/1.0"
	}
	return &HTTPAdapter{
		src:    src,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

func (a *HTTPAdapter) SourceID() string { return a.src.ID }

// Fetch queries the site and maps its response into canonical evidence.
func (a *HTTPAdapter) Fetch(ctx context.Context, q Query) (*model.EvidenceRecord, error) {
	endpoint, err := a.queryURL(q)
	if err != nil {
		return nil, err
	}

	body, err := resilience.DoVal(ctx, a.opts.Retry, "source "+a.src.ID, func(ctx context.Context) ([]byte, error) {
		return a.fetchOnce(ctx, endpoint)
	})
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, eris.Wrapf(err, "source %s: decode response", a.src.ID)
	}

	rec := &model.EvidenceRecord{
		SourceID:           a.src.ID,
		JobID:              q.JobID,
		RawPayload:         body,
		ExtractedFields:    make(map[string]string),
		PerFieldConfidence: make(map[string]float64),
		FetchedAt:          time.Now().UTC(),
	}

	for _, canonical := range model.CanonicalFields {
		remoteKey, ok := a.opts.FieldMap[canonical]
		if !ok {
			continue
		}
		raw, ok := payload[remoteKey]
		if !ok || raw == nil {
			continue
		}
		rec.ExtractedFields[canonical] = stringify(raw)

		conf := a.opts.DefaultConfidence
		if c, ok := payload[remoteKey+"_confidence"].(float64); ok && c >= 0 && c <= 1 {
			conf = c
		}
		rec.PerFieldConfidence[canonical] = conf
	}

	zap.L().Debug("source: evidence fetched",
		zap.String("source", a.src.ID),
		zap.String("job", q.JobID),
		zap.Int("fields", len(rec.ExtractedFields)),
	)
	return rec, nil
}

func (a *HTTPAdapter) queryURL(q Query) (string, error) {
	u, err := url.Parse(a.src.BaseURL)
	if err != nil {
		return "", eris.Wrapf(err, "source %s: parse base url", a.src.ID)
	}
	u = u.JoinPath(a.opts.Path)

	params := url.Values{}
	for field, value := range q.Fields {
		if value != "" {
			params.Set(field, value)
		}
	}
	if q.Hints != nil && q.Hints.Country != "" {
		params.Set(model.FieldCountry, q.Hints.Country)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (a *HTTPAdapter) fetchOnce(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: create request", a.src.ID)
	}
	req.Header.Set("User-Agent", a.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: request", a.src.ID)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("source %s: http %d", a.src.ID, resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("source %s: unexpected status %d", a.src.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: read body", a.src.ID)
	}
	return body, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers decode as float64; years and denominations are
		// integral in practice.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
