// Package queue defines the asynq tasks that drive the pipeline workers and
// the schedule that enqueues them.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/ingest"
)

const (
	// TypeSync pulls the recent lookback window for every organization.
	TypeSync = "ingest:sync"
	// TypeVault runs one vault batch.
	TypeVault = "vault:run"
	// TypeBackfill syncs an explicit historical range.
	TypeBackfill = "ingest:backfill"
)

// SyncPayload optionally overrides the configured lookback.
type SyncPayload struct {
	LookbackMinutes float64 `json:"lookback,omitempty"`
}

// BackfillPayload is the task form of ingest.BackfillRequest.
type BackfillPayload struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	ChunkHours float64   `json:"chunk_hours,omitempty"`
	FIFO       bool      `json:"fifo,omitempty"`
}

// Request converts the payload, applying defChunk when no chunk size is set.
func (p BackfillPayload) Request(defChunk time.Duration) ingest.BackfillRequest {
	chunk := defChunk
	if p.ChunkHours > 0 {
		chunk = time.Duration(p.ChunkHours * float64(time.Hour))
	}
	return ingest.BackfillRequest{Start: p.Start.UTC(), End: p.End.UTC(), Chunk: chunk, FIFO: p.FIFO}
}

// Enqueuer is the part of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewSyncTask builds a sync task. Overlapping syncs are deduplicated for the
// length of one sync interval.
func NewSyncTask(p SyncPayload) (*asynq.Task, error) {
	return newTask(TypeSync, p, asynq.Unique(5*time.Minute), asynq.MaxRetry(2), asynq.Timeout(10*time.Minute))
}

// NewVaultTask builds a vault batch task.
func NewVaultTask() (*asynq.Task, error) {
	return newTask(TypeVault, struct{}{}, asynq.Unique(time.Minute), asynq.MaxRetry(1), asynq.Timeout(10*time.Minute))
}

// NewBackfillTask builds a backfill task after validating the range.
func NewBackfillTask(p BackfillPayload) (*asynq.Task, error) {
	if err := p.Request(24 * time.Hour).Validate(); err != nil {
		return nil, err
	}
	return newTask(TypeBackfill, p, asynq.MaxRetry(3), asynq.Timeout(6*time.Hour))
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: marshal %s payload", typ)
	}
	return asynq.NewTask(typ, data, opts...), nil
}

// Enqueue submits task and returns its id.
func Enqueue(ctx context.Context, client Enqueuer, task *asynq.Task) (string, error) {
	info, err := client.EnqueueContext(ctx, task)
	if err != nil {
		return "", eris.Wrapf(err, "queue: enqueue %s", task.Type())
	}
	return info.ID, nil
}

// RedisOpt builds the asynq connection options from config.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Registrar is the part of *asynq.Scheduler used to register periodic tasks.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterSchedules registers the periodic sync and vault tasks.
func RegisterSchedules(s Registrar, cfg config.ScheduleConfig) error {
	syncTask, err := NewSyncTask(SyncPayload{})
	if err != nil {
		return err
	}
	if _, err := s.Register(cfg.Sync, syncTask); err != nil {
		return eris.Wrapf(err, "queue: schedule %s on %q", TypeSync, cfg.Sync)
	}
	vaultTask, err := NewVaultTask()
	if err != nil {
		return err
	}
	if _, err := s.Register(cfg.Vault, vaultTask); err != nil {
		return eris.Wrapf(err, "queue: schedule %s on %q", TypeVault, cfg.Vault)
	}
	return nil
}
