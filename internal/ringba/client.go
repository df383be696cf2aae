// Package ringba is a small client for the Ringba call-log reporting API.
package ringba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/resilience"
)

// DefaultPageSize is the number of records requested per page.
const DefaultPageSize = 1000

// Client fetches call-log pages for one account.
type Client struct {
	baseURL   string
	accountID string
	token     string
	timeout   time.Duration
	http      *http.Client
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetry sets the page retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(cl *Client) { cl.retry = cfg }
}

// WithBreaker guards requests with a circuit breaker. Clients for different
// accounts may share one breaker since they hit the same service.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithTimeout bounds each page request. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// NewClient creates a client for the given account.
func NewClient(baseURL, accountID, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		token:     token,
		timeout:   30 * time.Second,
		http:      &http.Client{},
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("ringba", "calllogs", zap.String("account_id", accountID))
	}
	return c
}

// PageRequest selects one page of the call log.
type PageRequest struct {
	Start  time.Time
	End    time.Time
	Offset int
	Size   int
}

// Page is one decoded response. Received counts every record the API sent,
// including any that failed to decode and were dropped from Records.
type Page struct {
	Records  []Record
	Received int
	Partial  bool
}

type valueColumn struct {
	Column string `json:"column"`
}

type callLogRequest struct {
	ReportStart  string        `json:"reportStart"`
	ReportEnd    string        `json:"reportEnd"`
	Size         int           `json:"size"`
	Offset       int           `json:"offset"`
	ValueColumns []valueColumn `json:"valueColumns"`
}

type callLogResponse struct {
	Report struct {
		Records       []json.RawMessage `json:"records"`
		PartialResult bool              `json:"partialResult"`
	} `json:"report"`
}

// FetchPage requests one page, retrying transient failures. Rejected
// credentials surface as *resilience.AuthError without retrying.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if req.Size <= 0 {
		req.Size = DefaultPageSize
	}
	body, err := json.Marshal(newCallLogRequest(req))
	if err != nil {
		return Page{}, eris.Wrap(err, "ringba: marshal request")
	}

	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (Page, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (Page, error) {
			return c.fetchOnce(ctx, body)
		})
	})
}

func newCallLogRequest(req PageRequest) callLogRequest {
	cols := make([]valueColumn, len(ValueColumns))
	for i, name := range ValueColumns {
		cols[i] = valueColumn{Column: name}
	}
	return callLogRequest{
		ReportStart:  req.Start.UTC().Format(time.RFC3339),
		ReportEnd:    req.End.UTC().Format(time.RFC3339),
		Size:         req.Size,
		Offset:       req.Offset,
		ValueColumns: cols,
	}
}

func (c *Client) fetchOnce(ctx context.Context, body []byte) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/calllogs", c.baseURL, c.accountID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Page{}, eris.Wrap(err, "ringba: build request")
	}
	httpReq.Header.Set("Authorization", "Token "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Page{}, resilience.NewTransientError(eris.Wrap(err, "ringba: request"), 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, &resilience.AuthError{StatusCode: resp.StatusCode}
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return Page{}, resilience.NewTransientError(
			eris.Errorf("ringba: HTTP %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, eris.Errorf("ringba: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded callLogResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if ctx.Err() != nil {
			return Page{}, resilience.NewTransientError(eris.Wrap(err, "ringba: read body"), 0)
		}
		return Page{}, eris.Wrap(err, "ringba: decode response")
	}

	page := Page{Partial: decoded.Report.PartialResult, Received: len(decoded.Report.Records)}
	page.Records = make([]Record, 0, len(decoded.Report.Records))
	for _, raw := range decoded.Report.Records {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			zap.L().Warn("skipping undecodable call record", zap.Error(err))
			continue
		}
		rec.Raw = raw
		page.Records = append(page.Records, rec)
	}
	return page, nil
}
