package ringba

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/callscript/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func window() (time.Time, time.Time) {
	end := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	return end.Add(-15 * time.Minute), end
}

func TestFetchPage_RequestShape(t *testing.T) {
	var got callLogRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/RA123/calllogs", r.URL.Path)
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"report":{"records":[
			{"inboundCallId":"RGB-1","callDt":1741089600000,"callLengthInSeconds":42,"conversionAmount":"12.5","campaignId":"CA-1","recordingUrl":"https://m/1.mp3"},
			{"inboundCallId":"RGB-2","callDt":"2025-03-04T11:55:00Z","callLengthInSeconds":null,"payoutAmount":3}
		],"partialResult":false}}`))
	}))
	defer srv.Close()

	start, end := window()
	c := NewClient(srv.URL+"/v2/", "RA123", "secret", WithRetry(fastRetry()))
	page, err := c.FetchPage(context.Background(), PageRequest{Start: start, End: end, Offset: 2000})
	require.NoError(t, err)

	assert.Equal(t, "2025-03-04T11:45:00Z", got.ReportStart)
	assert.Equal(t, "2025-03-04T12:00:00Z", got.ReportEnd)
	assert.Equal(t, DefaultPageSize, got.Size)
	assert.Equal(t, 2000, got.Offset)
	assert.Len(t, got.ValueColumns, len(ValueColumns))

	require.Len(t, page.Records, 2)
	assert.Equal(t, 2, page.Received)
	assert.False(t, page.Partial)

	first := page.Records[0]
	assert.Equal(t, "RGB-1", first.InboundCallID)
	assert.Equal(t, time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC), first.CallDt.Time)
	assert.Equal(t, 42, first.CallLengthInSeconds.Int())
	assert.InDelta(t, 12.5, first.ConversionAmount.Float(), 0.0001)
	assert.Contains(t, string(first.Raw), `"inboundCallId":"RGB-1"`)

	second := page.Records[1]
	assert.Equal(t, time.Date(2025, 3, 4, 11, 55, 0, 0, time.UTC), second.CallDt.Time)
	assert.Equal(t, 0, second.CallLengthInSeconds.Int())
	assert.Zero(t, second.ConversionAmount.Float())
	assert.InDelta(t, 3.0, second.PayoutAmount.Float(), 0.0001)
}

func TestFetchPage_RetriesTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"report":{"records":[],"partialResult":false}}`))
	}))
	defer srv.Close()

	start, end := window()
	c := NewClient(srv.URL, "RA123", "t", WithRetry(fastRetry()))
	page, err := c.FetchPage(context.Background(), PageRequest{Start: start, End: end})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetchPage_AuthAbortsImmediately(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(code)
		}))

		start, end := window()
		c := NewClient(srv.URL, "RA123", "bad", WithRetry(fastRetry()))
		_, err := c.FetchPage(context.Background(), PageRequest{Start: start, End: end})
		require.Error(t, err)
		assert.True(t, resilience.IsAuth(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
		srv.Close()
	}
}

func TestFetchPage_ExhaustedRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	start, end := window()
	c := NewClient(srv.URL, "RA123", "t", WithRetry(fastRetry()))
	_, err := c.FetchPage(context.Background(), PageRequest{Start: start, End: end})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 502, resilience.StatusCode(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetchPage_TimeoutIsRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		w.Write([]byte(`{"report":{"records":[{"inboundCallId":"RGB-9"}],"partialResult":true}}`))
	}))
	defer srv.Close()

	start, end := window()
	c := NewClient(srv.URL, "RA123", "t", WithRetry(fastRetry()), WithTimeout(20*time.Millisecond))
	page, err := c.FetchPage(context.Background(), PageRequest{Start: start, End: end})
	require.NoError(t, err)
	assert.True(t, page.Partial)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(2))
}

func TestFetchPage_BreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	start, end := window()
	c := NewClient(srv.URL, "RA123", "t", WithRetry(fastRetry()), WithBreaker(cb))

	_, err := c.FetchPage(context.Background(), PageRequest{Start: start, End: end})
	require.Error(t, err)
	before := atomic.LoadInt32(&hits)

	_, err = c.FetchPage(context.Background(), PageRequest{Start: start, End: end})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, atomic.LoadInt32(&hits))
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{"2025-03-04", "2025-03-04 10:30", "2025-03-04 10:30:00", "2025-03-04T10:30:00Z"} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, time.UTC, got.Location())
	}
	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}
