// Package audio downloads call recordings from the telephony platform.
package audio

import (
	"context"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/resilience"
)

// ErrEmptyAudio is returned when a recording has no content.
var ErrEmptyAudio = eris.New("empty audio file")

// Payload is a downloaded recording.
type Payload struct {
	Data        []byte
	ContentType string
}

// Size returns the payload length in bytes.
func (p *Payload) Size() int64 { return int64(len(p.Data)) }

// Fetcher downloads recordings with a per-attempt timeout and retries.
type Fetcher struct {
	http    *http.Client
	timeout time.Duration
	retry   resilience.RetryConfig
}

// NewFetcher builds a fetcher. A nil client uses a fresh http.Client.
func NewFetcher(client *http.Client, timeout time.Duration, retry resilience.RetryConfig) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{http: client, timeout: timeout, retry: retry}
}

// permanentStatuses mean the recording is gone for good.
var permanentStatuses = map[int]bool{
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusGone:         true,
}

// Fetch downloads url. The error is a *resilience.PermanentError when the
// content no longer exists or is empty, a *resilience.TransientError when
// retries ran out, or a plain error for any other rejected request.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Payload, error) {
	cfg := f.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("audio", "fetch", zap.String("url", url))
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Payload, error) {
		return f.fetchOnce(ctx, url)
	})
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "audio: build request"), 0)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "audio: request"), 0)
	}
	defer resp.Body.Close()

	switch {
	case permanentStatuses[resp.StatusCode]:
		return nil, resilience.NewPermanentError(
			eris.Errorf("audio: HTTP %d, recording unavailable", resp.StatusCode), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("audio: HTTP %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, eris.Errorf("audio: HTTP %d", resp.StatusCode)
	}

	if resp.ContentLength == 0 {
		return nil, resilience.NewPermanentError(ErrEmptyAudio, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "audio: read body"), 0)
	}
	if len(data) == 0 {
		return nil, resilience.NewPermanentError(ErrEmptyAudio, resp.StatusCode)
	}
	return &Payload{Data: data, ContentType: mediaType(resp.Header.Get("Content-Type"))}, nil
}

func mediaType(header string) string {
	if header == "" {
		return "audio/mpeg"
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "audio/mpeg"
	}
	return mt
}

// Extension maps a media type to the file extension used in object keys.
func Extension(contentType string) string {
	switch contentType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4", "audio/x-m4a":
		return "m4a"
	default:
		return "mp3"
	}
}
