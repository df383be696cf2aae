package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/model"
)

// OrgSource lists the organizations to sync.
type OrgSource interface {
	ListActive(ctx context.Context) ([]model.OrgCredentials, error)
}

// StaticOrgs is an OrgSource for single-organization deployments.
type StaticOrgs []model.OrgCredentials

// ListActive implements OrgSource.
func (s StaticOrgs) ListActive(context.Context) ([]model.OrgCredentials, error) {
	return s, nil
}

// ClientFactory builds a reporting API client for one organization.
type ClientFactory func(creds model.OrgCredentials) PageFetcher

// Runner runs the syncer for every organization from its OrgSource.
type Runner struct {
	syncer    *Syncer
	orgs      OrgSource
	newClient ClientFactory
	pause     time.Duration
}

// NewRunner builds a Runner. pause spaces out backfill chunks.
func NewRunner(syncer *Syncer, orgs OrgSource, newClient ClientFactory, pause time.Duration) *Runner {
	return &Runner{syncer: syncer, orgs: orgs, newClient: newClient, pause: pause}
}

// Sync runs one window for every organization. One organization failing does
// not stop the others; an error is returned only when every organization
// failed.
func (r *Runner) Sync(ctx context.Context, w Window) (Result, error) {
	var total Result
	err := r.forEachOrg(ctx, func(ctx context.Context, creds model.OrgCredentials) error {
		res, err := r.syncer.Run(ctx, creds.OrgID, r.newClient(creds), w)
		total.add(res)
		return err
	})
	return total, err
}

// Backfill runs a backfill for every organization.
func (r *Runner) Backfill(ctx context.Context, req BackfillRequest) (BackfillResult, error) {
	if err := req.Validate(); err != nil {
		return BackfillResult{}, err
	}
	var total BackfillResult
	limiter := NewChunkLimiter(r.pause)
	err := r.forEachOrg(ctx, func(ctx context.Context, creds model.OrgCredentials) error {
		res, err := r.syncer.Backfill(ctx, creds.OrgID, r.newClient(creds), req, limiter)
		total.add(res.Result)
		total.Chunks += res.Chunks
		total.FailedChunks += res.FailedChunks
		return err
	})
	return total, err
}

func (r *Runner) forEachOrg(ctx context.Context, fn func(ctx context.Context, creds model.OrgCredentials) error) error {
	orgs, err := r.orgs.ListActive(ctx)
	if err != nil {
		return eris.Wrap(err, "ingest: list organizations")
	}
	if len(orgs) == 0 {
		zap.L().Warn("no active organizations to sync")
		return nil
	}

	var errs []error
	for _, creds := range orgs {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "ingest: sync cancelled")
		}
		if err := fn(ctx, creds); err != nil {
			zap.L().Error("organization sync failed", zap.String("org_id", creds.OrgID), zap.Error(err))
			errs = append(errs, eris.Wrapf(err, "org %s", creds.OrgID))
		}
	}
	if len(errs) == len(orgs) {
		return errors.Join(errs...)
	}
	return nil
}
