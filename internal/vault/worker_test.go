package vault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/audio"
	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/resilience"
	"github.com/dharsanguruparan/callscript/internal/storage"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var callTime = time.Date(2024, 12, 13, 9, 30, 0, 0, time.UTC)

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (u *memUploader) UploadAudio(_ context.Context, key string, data []byte, _ string) error {
	if u.err != nil {
		return u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[key] = data
	return nil
}

func fastFetcher() *audio.Fetcher {
	return audio.NewFetcher(nil, 2*time.Second, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
}

func seedCall(store *storage.MemoryStore, id, url string, duration int) {
	store.Save(model.Call{
		ID:              id,
		OrgID:           "org-1",
		ExternalCallID:  "ext-" + id,
		StartTime:       callTime,
		DurationSeconds: duration,
		AudioURL:        &url,
		Status:          model.StatusPending,
	})
}

func audioServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRun_DownloadsAndFinalizes(t *testing.T) {
	srv, _ := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/1.mp3", 120)
	up := &memUploader{}

	res, err := NewWorker(store, fastFetcher(), up, Options{MinDuration: 15 * time.Second}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Outcomes[OutcomeDownloaded])

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloaded, call.Status)
	path, ok := call.StoragePath.Path()
	require.True(t, ok)
	assert.Equal(t, "2024/12/13/call-1.mp3", path)
	assert.Equal(t, []byte("ID3-audio-bytes"), up.objects[path])
	assert.Nil(t, call.ProcessingError)
}

func TestRun_NotFoundFailsPermanently(t *testing.T) {
	srv, hits := audioServer(t, http.StatusNotFound)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/gone.mp3", 120)

	res, err := NewWorker(store, fastFetcher(), &memUploader{}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeFailed])
	assert.EqualValues(t, 1, hits.Load())

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, call.Status)
	assert.Equal(t, model.PathUnclaimed, call.StoragePath.State())
	require.NotNil(t, call.ProcessingError)
	assert.Contains(t, *call.ProcessingError, "404")
}

func TestRun_ServiceUnavailableReleasesForRetry(t *testing.T) {
	srv, hits := audioServer(t, http.StatusServiceUnavailable)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/busy.mp3", 120)

	res, err := NewWorker(store, fastFetcher(), &memUploader{}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeReleased])
	assert.EqualValues(t, 3, hits.Load())

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, call.Status)
	assert.Equal(t, model.PathUnclaimed, call.StoragePath.State())
	assert.Equal(t, 1, call.RetryCount)
	require.NotNil(t, call.ProcessingError)
	assert.Contains(t, *call.ProcessingError, "503")
}

func TestRun_ShortCallFinalizedAsSafe(t *testing.T) {
	srv, _ := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/short.mp3", 8)
	up := &memUploader{}

	res, err := NewWorker(store, fastFetcher(), up, Options{MinDuration: 15 * time.Second}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeSafe])

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSafe, call.Status)
	path, ok := call.StoragePath.Path()
	require.True(t, ok)
	assert.Equal(t, "2024/12/13/call-1.mp3", path)
	require.NotNil(t, call.SkipReason)
	assert.Contains(t, *call.SkipReason, "15s")
	assert.Contains(t, up.objects, path)
}

func TestRun_UploadFailureReleases(t *testing.T) {
	srv, _ := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/1.mp3", 60)

	res, err := NewWorker(store, fastFetcher(), &memUploader{err: errors.New("bucket unreachable")}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeReleased])

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, call.Status)
	assert.Equal(t, model.PathUnclaimed, call.StoragePath.State())
	assert.Contains(t, *call.ProcessingError, "bucket unreachable")
}

type stalledUploader struct{}

func (stalledUploader) UploadAudio(ctx context.Context, _ string, _ []byte, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_UploadTimeoutReleases(t *testing.T) {
	srv, _ := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/1.mp3", 60)

	w := NewWorker(store, fastFetcher(), stalledUploader{}, Options{UploadTimeout: 20 * time.Millisecond})
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeReleased])
	assert.Zero(t, res.Settled())

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, call.Status)
	assert.Equal(t, model.PathUnclaimed, call.StoragePath.State())
	assert.Contains(t, *call.ProcessingError, "deadline exceeded")
}

func TestRun_LongErrorStaysValidUTF8(t *testing.T) {
	srv, _ := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/1.mp3", 60)

	up := &memUploader{err: errors.New("x" + strings.Repeat("é", 400))}
	_, err := NewWorker(store, fastFetcher(), up, Options{}).Run(context.Background())
	require.NoError(t, err)

	call, err := store.Get(context.Background(), "call-1")
	require.NoError(t, err)
	require.NotNil(t, call.ProcessingError)
	assert.LessOrEqual(t, len(*call.ProcessingError), model.MaxErrorLen)
	assert.True(t, utf8.ValidString(*call.ProcessingError))
	assert.Contains(t, *call.ProcessingError, "xéé")
}

func TestResultSettled(t *testing.T) {
	res := Result{Outcomes: map[Outcome]int{
		OutcomeDownloaded: 2, OutcomeSafe: 1, OutcomeFailed: 1,
		OutcomeReleased: 5, OutcomeSkipped: 3, OutcomeError: 1,
	}}
	assert.Equal(t, 4, res.Settled())
	assert.Zero(t, Result{}.Settled())
}

func TestRun_OneFailureDoesNotAbortSiblings(t *testing.T) {
	ok, _ := audioServer(t, http.StatusOK)
	gone, _ := audioServer(t, http.StatusGone)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", ok.URL+"/1.mp3", 60)
	seedCall(store, "call-2", gone.URL+"/2.mp3", 60)
	seedCall(store, "call-3", ok.URL+"/3.mp3", 60)

	res, err := NewWorker(store, fastFetcher(), &memUploader{}, Options{Concurrency: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Outcomes[OutcomeDownloaded])
	assert.Equal(t, 1, res.Outcomes[OutcomeFailed])
	assert.Zero(t, store.CountByPrefix(model.ClaimPrefix))
}

func TestRun_ConcurrentWorkersClaimOnce(t *testing.T) {
	srv, hits := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/1.mp3", 60)
	up := &memUploader{}

	var wg sync.WaitGroup
	var outcomes sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := NewWorker(store, fastFetcher(), up, Options{}).Run(context.Background())
			if err == nil {
				for o, n := range res.Outcomes {
					actual, _ := outcomes.LoadOrStore(o, new(atomic.Int32))
					actual.(*atomic.Int32).Add(int32(n))
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
	v, ok := outcomes.Load(OutcomeDownloaded)
	require.True(t, ok)
	assert.EqualValues(t, 1, v.(*atomic.Int32).Load())
}

func TestRun_SweepsStaleClaimsFirst(t *testing.T) {
	srv, _ := audioServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	seedCall(store, "call-1", srv.URL+"/1.mp3", 60)

	past := time.Now().UTC().Add(-time.Hour)
	store.SetClock(func() time.Time { return past })
	claimed, err := store.Claim(context.Background(), "call-1", "crashed-worker")
	require.NoError(t, err)
	require.True(t, claimed)
	store.SetClock(func() time.Time { return time.Now().UTC() })

	res, err := NewWorker(store, fastFetcher(), &memUploader{}, Options{ClaimTTL: 15 * time.Minute}).Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Reclaimed)
	assert.Equal(t, 1, res.Outcomes[OutcomeDownloaded])
}

type brokenStore struct{ Store }

func (brokenStore) ReclaimStale(context.Context, time.Time) (int64, error) { return 0, nil }

func (brokenStore) SelectPending(context.Context, string, int) ([]model.Call, error) {
	return nil, errors.New("connection refused")
}

func TestRun_SelectFailureIsReturned(t *testing.T) {
	_, err := NewWorker(brokenStore{}, fastFetcher(), &memUploader{}, Options{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select pending")
}

func TestObjectKey(t *testing.T) {
	call := model.Call{ID: "abc", StartTime: time.Date(2025, 1, 2, 23, 59, 0, 0, time.FixedZone("EST", -5*3600))}
	assert.Equal(t, "2025/01/03/abc.wav", ObjectKey(call, "audio/wav", time.Time{}))

	fallback := time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025/06/07/xyz.mp3", ObjectKey(model.Call{ID: "xyz"}, "", fallback))
}
