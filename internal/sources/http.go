package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
	"github.com/classtrack/sync-server/internal/versions"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxResponseBytes   = 32 << 20 // 32 MiB per page
)

// HTTPAdapter fetches paginated records from a JSON-over-HTTP source
// endpoint. The endpoint contract is:
//
//	GET {endpoint}/records?start=...&end=...&cursor=...&schools=a,b&subjects=x,y
//	GET {endpoint}/health
//
// The records response carries {"records": [...], "nextCursor": "..."};
// an empty nextCursor ends pagination.
type HTTPAdapter struct {
	name       string
	sourceType string
	endpoint   string
	entity     string
	authToken  string
	minVersion string
	client     *http.Client
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient overrides the default client (used by tests).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		a.client = client
	}
}

// WithAuthToken sets the bearer token sent on every request.
func WithAuthToken(token string) HTTPOption {
	return func(a *HTTPAdapter) {
		a.authToken = token
	}
}

// WithMinAPIVersion rejects sources whose health endpoint reports an
// API version older than min.
func WithMinAPIVersion(min string) HTTPOption {
	return func(a *HTTPAdapter) {
		a.minVersion = min
	}
}

// WithCallTimeout bounds each HTTP call.
func WithCallTimeout(timeout time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		if timeout > 0 {
			a.client.Timeout = timeout
		}
	}
}

// NewHTTPAdapter creates an adapter for one configured source.
func NewHTTPAdapter(name, sourceType, endpoint, entity string, opts ...HTTPOption) (*HTTPAdapter, error) {
	if name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if !ValidType(sourceType) {
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("source endpoint is required")
	}

	a := &HTTPAdapter{
		name:       name,
		sourceType: sourceType,
		endpoint:   strings.TrimRight(endpoint, "/"),
		entity:     entity,
		client:     &http.Client{Timeout: defaultCallTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the configured source name.
func (a *HTTPAdapter) Name() string { return a.name }

// Type returns the source type.
func (a *HTTPAdapter) Type() string { return a.sourceType }

// pageResponse is the wire shape of one records page.
type pageResponse struct {
	Records []struct {
		Key              string         `json:"key"`
		Payload          map[string]any `json:"payload"`
		SourceModifiedAt time.Time      `json:"sourceModifiedAt"`
	} `json:"records"`
	NextCursor string `json:"nextCursor"`
}

// FetchPage fetches one page. Identical cursors return identical
// pages, so retries are safe.
func (a *HTTPAdapter) FetchPage(
	ctx context.Context, filter Filter, dateRange DateRange, cursor string,
) (*Page, error) {
	query := url.Values{}
	query.Set("start", dateRange.Start.Format(time.RFC3339))
	query.Set("end", dateRange.End.Format(time.RFC3339))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if len(filter.Schools) > 0 {
		query.Set("schools", strings.Join(filter.Schools, ","))
	}
	if len(filter.Subjects) > 0 {
		query.Set("subjects", strings.Join(filter.Subjects, ","))
	}

	body, err := a.get(ctx, a.endpoint+"/records?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.KindDataFormat, err,
			fmt.Sprintf("source %s returned a malformed records page", a.name))
	}

	page := &Page{NextCursor: resp.NextCursor}
	for _, raw := range resp.Records {
		if raw.Key == "" {
			return nil, syncerr.New(syncerr.KindDataFormat,
				fmt.Sprintf("source %s returned a record without a key", a.name))
		}
		page.Records = append(page.Records, &record.Record{
			Key:              raw.Key,
			Entity:           a.entity,
			Payload:          raw.Payload,
			SourceModifiedAt: raw.SourceModifiedAt,
		})
	}
	return page, nil
}

// healthResponse is the wire shape of the health endpoint.
type healthResponse struct {
	Status     string `json:"status"`
	APIVersion string `json:"apiVersion"`
}

// CheckHealth probes the source health endpoint and, when a minimum
// API version is configured, verifies the source still satisfies it.
func (a *HTTPAdapter) CheckHealth(ctx context.Context) error {
	body, err := a.get(ctx, a.endpoint+"/health")
	if err != nil {
		return err
	}

	if a.minVersion == "" {
		return nil
	}
	var resp healthResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.APIVersion == "" {
		// Older sources do not report a version; treat them as healthy.
		return nil
	}
	if versions.IsNewerVersion(a.minVersion, resp.APIVersion) {
		return syncerr.New(syncerr.KindValidation,
			fmt.Sprintf("source %s reports API version %s, need at least %s",
				a.name, resp.APIVersion, a.minVersion))
	}
	return nil
}

func (a *HTTPAdapter) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindValidation, err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(a.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindNetwork, err,
			fmt.Sprintf("failed to read response from source %s", a.name))
	}
	return body, nil
}

// classifyTransportError converts raw transport failures into
// structured kinds so the retry policy can classify them.
func classifyTransportError(source string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return syncerr.Wrap(syncerr.KindTimeout, err,
			fmt.Sprintf("call to source %s timed out", source))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return syncerr.Wrap(syncerr.KindTimeout, err,
			fmt.Sprintf("call to source %s timed out", source))
	}
	return syncerr.Wrap(syncerr.KindNetwork, err,
		fmt.Sprintf("network error calling source %s", source))
}

// classifyStatus maps HTTP status codes onto error kinds: 401/403 are
// permanent, 404 and 4xx are API errors that bypass retry, 429 and
// 5xx are retryable.
func classifyStatus(source string, status int) error {
	msg := fmt.Sprintf("source %s returned status %d", source, status)
	switch {
	case status == http.StatusUnauthorized:
		return syncerr.New(syncerr.KindAuthentication, msg)
	case status == http.StatusForbidden:
		return syncerr.New(syncerr.KindAuthorization, msg)
	case status == http.StatusTooManyRequests:
		return syncerr.New(syncerr.KindAPI, msg)
	case status >= 500:
		return syncerr.New(syncerr.KindAPI, msg)
	default:
		err := syncerr.New(syncerr.KindAPI, msg)
		err.Retryable = false
		return err
	}
}
