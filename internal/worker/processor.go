package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/ingest"
	"github.com/dharsanguruparan/callscript/internal/queue"
	"github.com/dharsanguruparan/callscript/internal/resilience"
	"github.com/dharsanguruparan/callscript/internal/vault"
)

// Ingester runs sync windows and backfills across organizations.
type Ingester interface {
	Sync(ctx context.Context, w ingest.Window) (ingest.Result, error)
	Backfill(ctx context.Context, req ingest.BackfillRequest) (ingest.BackfillResult, error)
}

// Vaulter runs one vault batch.
type Vaulter interface {
	Run(ctx context.Context) (vault.Result, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	ingest        Ingester
	vault         Vaulter
	lookback      time.Duration
	backfillChunk time.Duration
	now           func() time.Time
}

// NewProcessor constructs a worker processor.
func NewProcessor(ing Ingester, v Vaulter, lookback, backfillChunk time.Duration) *Processor {
	return &Processor{
		ingest:        ing,
		vault:         v,
		lookback:      lookback,
		backfillChunk: backfillChunk,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeSync, p.handleSync)
	mux.HandleFunc(queue.TypeVault, p.handleVault)
	mux.HandleFunc(queue.TypeBackfill, p.handleBackfill)
	return mux
}

func (p *Processor) handleSync(ctx context.Context, task *asynq.Task) error {
	var payload queue.SyncPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return skipRetry(eris.Wrap(err, "decode sync payload"))
		}
	}
	lookback := p.lookback
	if payload.LookbackMinutes > 0 {
		lookback = time.Duration(payload.LookbackMinutes * float64(time.Minute))
	}
	res, err := p.ingest.Sync(ctx, ingest.LookbackWindow(p.now(), lookback))
	if err != nil {
		return classify(err)
	}
	zap.L().Info("sync task done", zap.Int("fetched", res.Fetched), zap.Int64("upserted", res.Upserted))
	return nil
}

func (p *Processor) handleVault(ctx context.Context, _ *asynq.Task) error {
	res, err := p.vault.Run(ctx)
	if err != nil {
		return classify(err)
	}
	zap.L().Info("vault task done", zap.Int("processed", res.Processed))
	return nil
}

func (p *Processor) handleBackfill(ctx context.Context, task *asynq.Task) error {
	var payload queue.BackfillPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return skipRetry(eris.Wrap(err, "decode backfill payload"))
	}
	req := payload.Request(p.backfillChunk)
	if err := req.Validate(); err != nil {
		return skipRetry(err)
	}
	res, err := p.ingest.Backfill(ctx, req)
	if err != nil {
		return classify(err)
	}
	zap.L().Info("backfill task done", zap.Int("chunks", res.Chunks),
		zap.Int("failed_chunks", res.FailedChunks), zap.Int("fetched", res.Fetched))
	return nil
}

// classify stops asynq from retrying errors another attempt cannot fix.
func classify(err error) error {
	if resilience.IsAuth(err) || resilience.IsPermanent(err) {
		return skipRetry(err)
	}
	return err
}

func skipRetry(err error) error {
	zap.L().Error("task failed permanently", zap.Error(err))
	return errors.Join(err, asynq.SkipRetry)
}
