// Package source fetches consumer complaints from the CFPB Consumer
// Complaint Database search API, paginating through a rate-limited
// endpoint with an explicit retry policy and normalizing every record
// before it is staged.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/complaint"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

const (
	// DefaultBaseURL is the CFPB complaint search endpoint.
	DefaultBaseURL = "https://www.consumerfinance.gov/data-research/consumer-complaints/search/api/v1/"

	// MaxPageSize is the hard per-request ceiling enforced by the API.
	MaxPageSize = 10000

	defaultTimeout = 30 * time.Second
)

// Client pages through the complaint search API for one date range and
// optional company filter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	pageSize   int
	maxRecords int
	retry      RetryPolicy
	logger     *zap.Logger
	newLoadID  func() string
	now        func() time.Time

	// RetriesObserved is called once per retried request, for metrics.
	retriesObserved func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithPageSize sets the page size, clamped to the API ceiling.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithMaxRecords caps total records fetched per entity (0 = no cap).
func WithMaxRecords(n int) Option {
	return func(c *Client) { c.maxRecords = n }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLoadIDFunc overrides batch load_id generation, for tests.
func WithLoadIDFunc(f func() string) Option {
	return func(c *Client) { c.newLoadID = f }
}

// WithRetryObserver registers a callback invoked on every retried
// request.
func WithRetryObserver(f func()) Option {
	return func(c *Client) { c.retriesObserved = f }
}

// NewClient creates a source client. userAgent is required: the API
// rejects every request without a client-identifying header, so an
// empty value is a configuration error, not a runtime condition.
func NewClient(baseURL, userAgent string, opts ...Option) (*Client, error) {
	if userAgent == "" {
		return nil, fmt.Errorf("source user agent is required (the API rejects unidentified clients)")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		userAgent:  userAgent,
		pageSize:   MaxPageSize,
		retry:      DefaultRetryPolicy(),
		logger:     zap.NewNop(),
		newLoadID:  uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.pageSize <= 0 || c.pageSize > MaxPageSize {
		c.pageSize = MaxPageSize
	}
	return c, nil
}

// Fetch retrieves every complaint in the inclusive date range for the
// given company filter (empty company = no filter), fully paginated
// and normalized: each record has a complaint_id, extracted_at, and
// the batch load_id. The result is complete or the error entity-scoped;
// a failed fetch stages nothing.
func (c *Client) Fetch(ctx context.Context, dr watermark.DateRange, company string) ([]complaint.Record, error) {
	loadID := c.newLoadID()
	extractedAt := c.now().UTC()

	logger := c.logger.With(
		zap.String("company", company),
		zap.String("range", dr.String()),
		zap.String("load_id", loadID),
	)

	var records []complaint.Record
	frm := 0

	for {
		if c.maxRecords > 0 && len(records) >= c.maxRecords {
			logger.Info("reached max records cap", zap.Int("max_records", c.maxRecords))
			break
		}

		hits, total, err := c.fetchPage(ctx, dr, company, frm)
		if err != nil {
			return nil, err
		}

		for _, src := range hits {
			rec := complaint.FromSource(src)
			rec.ExtractedAt = extractedAt
			rec.LoadID = loadID
			records = append(records, rec)
		}

		logger.Debug("fetched page",
			zap.Int("page_records", len(hits)),
			zap.Int("total_so_far", len(records)),
			zap.Int("total_available", total))

		if len(hits) == 0 || len(hits) < c.pageSize {
			break
		}
		if total > 0 && len(records) >= total {
			break
		}
		frm += c.pageSize
	}

	logger.Info("fetch complete", zap.Int("records", len(records)))
	return records, nil
}

// fetchPage requests one page, retrying transient failures per the
// retry policy with exponential backoff. Permanent rejections and
// malformed bodies fail immediately.
func (c *Client) fetchPage(ctx context.Context, dr watermark.DateRange, company string, frm int) ([]map[string]any, int, error) {
	reqURL := c.pageURL(dr, company, frm)

	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if c.retriesObserved != nil {
				c.retriesObserved()
			}
			delay := c.retry.NextDelay(attempt - 1)
			c.logger.Warn("retrying page request",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.retry.MaxAttempts),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := sleep(ctx, delay); err != nil {
				return nil, 0, err
			}
		}

		hits, total, status, err := c.doRequest(ctx, reqURL)
		if err == nil {
			return hits, total, nil
		}

		// Permanent rejections and parse failures abort the fetch.
		var perm *PermanentError
		var parse *ParseError
		if errors.As(err, &perm) || errors.As(err, &parse) {
			return nil, 0, err
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		lastErr = err
		lastStatus = status
	}

	return nil, 0, &TransientError{
		StatusCode: lastStatus,
		Attempts:   c.retry.MaxAttempts,
		Err:        lastErr,
	}
}

// doRequest performs a single page request and classifies the outcome.
// The returned status is nonzero when the server answered.
func (c *Client) doRequest(ctx context.Context, reqURL string) ([]map[string]any, int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, 0, &ParseError{Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts count as transient.
		return nil, 0, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parse
	case c.retry.Retryable(resp.StatusCode):
		return nil, 0, resp.StatusCode, fmt.Errorf("transient status %d", resp.StatusCode)
	default:
		return nil, 0, resp.StatusCode, &PermanentError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 200),
		}
	}

	hits, total, err := parsePage(body)
	if err != nil {
		return nil, 0, resp.StatusCode, &ParseError{Err: err}
	}
	return hits, total, resp.StatusCode, nil
}

// pageURL builds the query for one page: date bounds, company filter,
// offset/size pagination, aggregations disabled.
func (c *Client) pageURL(dr watermark.DateRange, company string, frm int) string {
	params := url.Values{}
	params.Set("date_received_min", dr.Min.String())
	params.Set("date_received_max", dr.Max.String())
	params.Set("size", strconv.Itoa(c.pageSize))
	params.Set("frm", strconv.Itoa(frm))
	params.Set("sort", "created_date_desc")
	params.Set("format", "json")
	params.Set("no_aggs", "true")
	if company != "" {
		params.Set("search_term", company)
		params.Set("field", "company")
	}
	return c.baseURL + "?" + params.Encode()
}

// apiHit is one search hit: the document plus its search-index id.
type apiHit struct {
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

// parsePage handles both response shapes the API serves: the search
// envelope {"hits":{"hits":[...],"total":...}} and a bare hit array.
// total may be an integer or an object {"value": N}.
func parsePage(body []byte) ([]map[string]any, int, error) {
	trimmed := firstByte(body)

	if trimmed == '[' {
		var hits []apiHit
		if err := json.Unmarshal(body, &hits); err != nil {
			return nil, 0, err
		}
		return hitSources(hits), len(hits), nil
	}

	var envelope struct {
		Hits struct {
			Hits  []apiHit        `json:"hits"`
			Total json.RawMessage `json:"total"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, err
	}

	total := 0
	if len(envelope.Hits.Total) > 0 {
		if err := json.Unmarshal(envelope.Hits.Total, &total); err != nil {
			var obj struct {
				Value int `json:"value"`
			}
			if err := json.Unmarshal(envelope.Hits.Total, &obj); err != nil {
				return nil, 0, fmt.Errorf("unrecognized total field: %s", envelope.Hits.Total)
			}
			total = obj.Value
		}
	}

	return hitSources(envelope.Hits.Hits), total, nil
}

// hitSources unwraps _source documents, carrying the hit-level _id
// down so key normalization can use it.
func hitSources(hits []apiHit) []map[string]any {
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		src := h.Source
		if src == nil {
			src = map[string]any{}
		}
		if h.ID != "" {
			if _, ok := src["_id"]; !ok {
				src["_id"] = h.ID
			}
		}
		out = append(out, src)
	}
	return out
}

func firstByte(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
