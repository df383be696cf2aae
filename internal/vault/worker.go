// Package vault copies call recordings from the telephony platform into
// object storage. Each call is claimed through its storage_path column, so any
// number of workers can run against the same table.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/callscript/internal/audio"
	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/resilience"
)

// Store is the slice of the call repository the vault worker needs.
type Store interface {
	SelectPending(ctx context.Context, orgID string, limit int) ([]model.Call, error)
	Claim(ctx context.Context, callID, token string) (bool, error)
	Release(ctx context.Context, callID, token, reason string) (bool, error)
	Fail(ctx context.Context, callID, token, reason string) (bool, error)
	Finalize(ctx context.Context, callID, token, path string, status model.CallStatus, skipReason *string) (bool, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Fetcher downloads a recording.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*audio.Payload, error)
}

// Uploader writes a recording to object storage, overwriting any existing
// object at key.
type Uploader interface {
	UploadAudio(ctx context.Context, key string, data []byte, contentType string) error
}

// Outcome is what happened to one selected call.
type Outcome string

const (
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeSafe       Outcome = "safe"
	OutcomeFailed     Outcome = "failed"
	OutcomeReleased   Outcome = "released"
	// OutcomeSkipped means another worker owned the call.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeError means a database write failed; the claim is left for the
	// stale sweep.
	OutcomeError Outcome = "error"
)

// Options tunes a Worker.
type Options struct {
	OrgID       string
	BatchSize   int
	Concurrency int
	MinDuration time.Duration
	ClaimTTL    time.Duration
	// UploadTimeout bounds each object storage write. Zero uses two minutes.
	UploadTimeout time.Duration
}

// Result summarizes one vault run.
type Result struct {
	Processed int             `json:"processed"`
	Reclaimed int64           `json:"reclaimed"`
	Outcomes  map[Outcome]int `json:"outcomes"`
}

// Settled counts calls the run finished for good, whether vaulted or failed.
func (r Result) Settled() int {
	return r.Outcomes[OutcomeDownloaded] + r.Outcomes[OutcomeSafe] + r.Outcomes[OutcomeFailed]
}

const writeTimeout = 10 * time.Second

// Worker runs vault batches.
type Worker struct {
	store    Store
	fetcher  Fetcher
	uploader Uploader
	opts     Options
	now      func() time.Time
}

// NewWorker builds a Worker. Zero options fall back to a batch of 50 processed
// fully in parallel.
func NewWorker(store Store, fetcher Fetcher, uploader Uploader, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = opts.BatchSize
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	return &Worker{
		store:    store,
		fetcher:  fetcher,
		uploader: uploader,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps stale claims, selects one batch of pending calls and processes
// them concurrently. Only a failed selection is returned as an error; per-call
// failures are recorded on the rows.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	res := Result{Outcomes: make(map[Outcome]int)}

	if w.opts.ClaimTTL > 0 {
		n, err := w.Sweep(ctx)
		if err != nil {
			zap.L().Warn("stale claim sweep failed", zap.Error(err))
		}
		res.Reclaimed = n
	}

	calls, err := w.store.SelectPending(ctx, w.opts.OrgID, w.opts.BatchSize)
	if err != nil {
		return res, eris.Wrap(err, "vault: select pending calls")
	}
	res.Processed = len(calls)
	if len(calls) == 0 {
		zap.L().Debug("no pending calls to vault")
		return res, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.opts.Concurrency)
	for _, call := range calls {
		call := call
		g.Go(func() error {
			outcome := w.process(ctx, call)
			mu.Lock()
			res.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	fields := []zap.Field{zap.Int("processed", res.Processed), zap.Int64("reclaimed", res.Reclaimed)}
	for outcome, n := range res.Outcomes {
		fields = append(fields, zap.Int(string(outcome), n))
	}
	zap.L().Info("vault batch complete", fields...)
	return res, nil
}

// Sweep reverts claims older than the claim TTL to unclaimed.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	if w.opts.ClaimTTL <= 0 {
		return 0, nil
	}
	n, err := w.store.ReclaimStale(ctx, w.now().Add(-w.opts.ClaimTTL))
	if err != nil {
		return 0, eris.Wrap(err, "vault: reclaim stale claims")
	}
	if n > 0 {
		zap.L().Warn("reclaimed stale claims", zap.Int64("count", n), zap.Duration("ttl", w.opts.ClaimTTL))
	}
	return n, nil
}

func (w *Worker) process(ctx context.Context, call model.Call) Outcome {
	log := zap.L().With(zap.String("call_id", call.ID), zap.String("org_id", call.OrgID))
	token := uuid.NewString()

	ok, err := w.store.Claim(ctx, call.ID, token)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return OutcomeError
	}
	if !ok {
		log.Debug("call claimed elsewhere")
		return OutcomeSkipped
	}

	if !call.HasAudio() {
		return w.fail(ctx, log, call, token, eris.New("audio url is missing"))
	}

	payload, err := w.fetcher.Fetch(ctx, *call.AudioURL)
	if err != nil {
		if resilience.IsPermanent(err) {
			return w.fail(ctx, log, call, token, err)
		}
		return w.release(ctx, log, call, token, err)
	}
	if payload == nil || payload.Size() == 0 {
		return w.fail(ctx, log, call, token, audio.ErrEmptyAudio)
	}

	key := ObjectKey(call, payload.ContentType, w.now())
	if err := w.upload(ctx, key, payload); err != nil {
		return w.release(ctx, log, call, token, eris.Wrap(err, "upload audio"))
	}

	status, outcome := model.StatusDownloaded, OutcomeDownloaded
	var skip *string
	if reason, short := w.shortCall(call); short {
		status, outcome, skip = model.StatusSafe, OutcomeSafe, &reason
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()
	ok, err = w.store.Finalize(wctx, call.ID, token, key, status, skip)
	if err != nil {
		log.Error("finalize failed", zap.String("path", key), zap.Error(err))
		return OutcomeError
	}
	if !ok {
		log.Warn("claim lost before finalize", zap.String("path", key))
		return OutcomeSkipped
	}
	log.Info("recording vaulted", zap.String("path", key),
		zap.Int64("bytes", payload.Size()), zap.String("outcome", string(outcome)))
	return outcome
}

func (w *Worker) upload(ctx context.Context, key string, payload *audio.Payload) error {
	uctx, cancel := context.WithTimeout(ctx, w.opts.UploadTimeout)
	defer cancel()
	return w.uploader.UploadAudio(uctx, key, payload.Data, payload.ContentType)
}

func (w *Worker) shortCall(call model.Call) (string, bool) {
	minSeconds := int(w.opts.MinDuration / time.Second)
	if minSeconds <= 0 || call.DurationSeconds >= minSeconds {
		return "", false
	}
	return fmt.Sprintf("call shorter than %ds (%ds)", minSeconds, call.DurationSeconds), true
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, call model.Call, token string, cause error) Outcome {
	reason := errorText(cause)
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if _, err := w.store.Fail(wctx, call.ID, token, truncate(reason)); err != nil {
		log.Error("mark failed", zap.Error(err))
		return OutcomeError
	}
	log.Warn("recording permanently unavailable", zap.String("error", reason))
	return OutcomeFailed
}

func (w *Worker) release(ctx context.Context, log *zap.Logger, call model.Call, token string, cause error) Outcome {
	reason := errorText(cause)
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if _, err := w.store.Release(wctx, call.ID, token, truncate(reason)); err != nil {
		log.Error("release claim", zap.Error(err))
		return OutcomeError
	}
	log.Warn("recording will be retried", zap.String("error", reason), zap.Int("retry_count", call.RetryCount+1))
	return OutcomeReleased
}

// writeContext detaches row updates from the batch context so a cancelled run
// still returns its claims.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string) string {
	return model.Truncate(s, model.MaxErrorLen)
}
