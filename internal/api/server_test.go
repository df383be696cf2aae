package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/ingest"
	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/queue"
	"github.com/dharsanguruparan/callscript/internal/repository"
	"github.com/dharsanguruparan/callscript/internal/vault"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

type fakeIngest struct {
	window ingest.Window
	err    error
}

func (f *fakeIngest) Sync(_ context.Context, w ingest.Window) (ingest.Result, error) {
	f.window = w
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{Fetched: 2400, Upserted: 2400}, nil
}

type fakeVault struct{ err error }

func (f *fakeVault) Run(context.Context) (vault.Result, error) {
	if f.err != nil {
		return vault.Result{}, f.err
	}
	return vault.Result{Processed: 7, Outcomes: map[vault.Outcome]int{vault.OutcomeDownloaded: 7}}, nil
}

type fakeCalls struct {
	stats model.QueueStats
	err   error
	calls map[string]*model.Call
}

func (f *fakeCalls) Get(_ context.Context, id string) (*model.Call, error) {
	c, ok := f.calls[id]
	if !ok {
		return nil, eris.Wrapf(repository.ErrNotFound, "call %s", id)
	}
	return c, nil
}

func (f *fakeCalls) QueueStats(context.Context, time.Time) (model.QueueStats, error) {
	return f.stats, f.err
}

type fakePresigner struct{ key string }

func (f *fakePresigner) PresignAudioURL(_ context.Context, key string, _ time.Duration) (string, error) {
	f.key = key
	return "https://storage.example.com/" + key + "?sig=abc", nil
}

type fakeQueue struct{ tasks []*asynq.Task }

func (f *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "bf-1"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Sync:   config.SyncConfig{Lookback: 15 * time.Minute},
		Vault:  config.VaultConfig{ClaimTTL: 15 * time.Minute},
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}},
	}
}

func newTestServer(deps Deps) http.Handler {
	s := New(testConfig(), deps)
	s.now = func() time.Time { return testNow }
	return s.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestSync_DefaultWindow(t *testing.T) {
	ing := &fakeIngest{}
	h := newTestServer(Deps{Ingest: ing})

	rec, body := do(t, h, http.MethodGet, "/sync", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2400, body["fetched"])
	assert.EqualValues(t, 2400, body["upserted"])
	assert.Equal(t, 15*time.Minute, ing.window.End.Sub(ing.window.Start))
}

func TestSync_LookbackOverride(t *testing.T) {
	ing := &fakeIngest{}
	h := newTestServer(Deps{Ingest: ing})

	rec, _ := do(t, h, http.MethodPost, "/sync", `{"lookback": 60}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Hour, ing.window.End.Sub(ing.window.Start))

	rec, _ = do(t, h, http.MethodPost, "/sync", `garbage`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15*time.Minute, ing.window.End.Sub(ing.window.Start))
}

func TestSync_Error(t *testing.T) {
	h := newTestServer(Deps{Ingest: &fakeIngest{err: errors.New("ringba down")}})
	rec, body := do(t, h, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["message"], "ringba down")
}

func TestVault(t *testing.T) {
	rec, body := do(t, newTestServer(Deps{Vault: &fakeVault{}}), http.MethodPost, "/vault", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 7, body["processed"])

	rec, body = do(t, newTestServer(Deps{Vault: &fakeVault{err: errors.New("select failed")}}), http.MethodGet, "/vault", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "database_error", body["error"])
}

func TestBackfill(t *testing.T) {
	q := &fakeQueue{}
	h := newTestServer(Deps{Queue: q})

	rec, body := do(t, h, http.MethodPost, "/backfill", `{"start":"2025-01-01","end":"2025-01-08","chunk_hours":12,"fifo":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "bf-1", body["task_id"])
	require.Len(t, q.tasks, 1)
	assert.Equal(t, queue.TypeBackfill, q.tasks[0].Type())

	var p queue.BackfillPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &p))
	assert.Equal(t, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC), p.End)
	assert.True(t, p.FIFO)

	rec, _ = do(t, h, http.MethodPost, "/backfill", `{"start":"2025-01-08","end":"2025-01-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/backfill", `{"start":"yesterday","end":"2025-01-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/backfill", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, q.tasks, 1)

	rec, _ = do(t, newTestServer(Deps{}), http.MethodPost, "/backfill", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	calls := &fakeCalls{stats: model.QueueStats{ByStatus: map[model.CallStatus]int64{
		model.StatusPending:    150,
		model.StatusDownloaded: 20,
	}}}
	h := newTestServer(Deps{Calls: calls})

	rec, body := do(t, h, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 150, body["byStatus"].(map[string]any)["pending"])

	rec, body = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "warning", body["status"])

	calls.err = errors.New("connection refused")
	rec, body = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "critical", body["status"])
}

func TestEvaluate(t *testing.T) {
	stats := func(pending, stuck int64) model.QueueStats {
		return model.QueueStats{ByStatus: map[model.CallStatus]int64{model.StatusPending: pending}, StuckClaims: stuck}
	}
	assert.Equal(t, HealthHealthy, Evaluate(stats(100, 5), testNow).Status)
	assert.Equal(t, HealthWarning, Evaluate(stats(101, 0), testNow).Status)
	assert.Equal(t, HealthCritical, Evaluate(stats(501, 0), testNow).Status)
	h := Evaluate(stats(10, 6), testNow)
	assert.Equal(t, HealthCritical, h.Status)
	assert.Len(t, h.Issues, 1)
}

func TestRecordingURL(t *testing.T) {
	presigner := &fakePresigner{}
	calls := &fakeCalls{calls: map[string]*model.Call{
		"vaulted": {ID: "vaulted", StoragePath: model.Finalized("2025/01/01/vaulted.mp3")},
		"pending": {ID: "pending", StoragePath: model.Unclaimed()},
	}}
	h := newTestServer(Deps{Calls: calls, Presigner: presigner})

	rec, body := do(t, h, http.MethodGet, "/calls/vaulted/recording-url", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["url"], "2025/01/01/vaulted.mp3")
	assert.Equal(t, "2025/01/01/vaulted.mp3", presigner.key)

	rec, _ = do(t, h, http.MethodGet, "/calls/pending/recording-url", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/calls/missing/recording-url", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
