package s3storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/callscript/internal/config"
)

// fakeS3 answers the handful of S3 calls the Storage wrapper makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", "Tue, 04 Mar 2025 12:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestStorage(t *testing.T) (*Storage, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(config.StorageConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		Bucket:    "calls-audio",
	})
	require.NoError(t, err)
	return s, fake
}

func TestEnsureBucketCreatesMissing(t *testing.T) {
	s, fake := newTestStorage(t)

	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.True(t, fake.buckets["calls-audio"])

	// Second call finds it.
	require.NoError(t, s.EnsureBucket(context.Background()))
}

func TestUploadAudioAndExists(t *testing.T) {
	s, fake := newTestStorage(t)
	ctx := context.Background()
	key := "2025/03/04/call-1.mp3"

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UploadAudio(ctx, key, []byte("ID3audio"), "audio/mpeg"))
	require.Contains(t, fake.objects, key)
	assert.Contains(t, string(fake.objects[key]), "ID3audio")
	assert.Equal(t, "audio/mpeg", fake.types[key])

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}
