// Package ingest pulls call-log records from the reporting API and upserts
// them as pending calls.
package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/ringba"
)

// PageFetcher fetches one page of the call log.
type PageFetcher interface {
	FetchPage(ctx context.Context, req ringba.PageRequest) (ringba.Page, error)
}

// CallStore upserts calls keyed on their external id.
type CallStore interface {
	UpsertCalls(ctx context.Context, calls []model.Call) (int64, error)
}

// CampaignStore resolves external campaign ids within an organization.
type CampaignStore interface {
	FindOrCreate(ctx context.Context, orgID, externalID, name string) (string, error)
}

// Result summarizes one sync run.
type Result struct {
	Fetched  int   `json:"fetched"`
	Upserted int64 `json:"upserted"`
}

func (r *Result) add(o Result) {
	r.Fetched += o.Fetched
	r.Upserted += o.Upserted
}

// Syncer runs the paginated fetch-map-upsert loop.
type Syncer struct {
	calls     CallStore
	campaigns CampaignStore
	pageSize  int
	now       func() time.Time
}

// NewSyncer builds a Syncer. A non-positive pageSize uses the API default.
func NewSyncer(calls CallStore, campaigns CampaignStore, pageSize int) *Syncer {
	if pageSize <= 0 {
		pageSize = ringba.DefaultPageSize
	}
	return &Syncer{
		calls:     calls,
		campaigns: campaigns,
		pageSize:  pageSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run syncs one window for one organization. A partial or empty page ends the
// run without being counted. An upsert failure aborts the run; pages already
// written stay written.
func (s *Syncer) Run(ctx context.Context, orgID string, client PageFetcher, w Window) (Result, error) {
	log := zap.L().With(zap.String("org_id", orgID),
		zap.Time("window_start", w.Start), zap.Time("window_end", w.End))

	var res Result
	campaignCache := make(map[string]string)
	offset := 0
	for {
		page, err := client.FetchPage(ctx, ringba.PageRequest{
			Start:  w.Start,
			End:    w.End,
			Offset: offset,
			Size:   s.pageSize,
		})
		if err != nil {
			return res, eris.Wrapf(err, "ingest: fetch page at offset %d", offset)
		}
		if page.Partial {
			log.Warn("partial result from reporting API, stopping", zap.Int("offset", offset))
			break
		}
		if page.Received == 0 {
			break
		}

		calls, err := s.mapPage(ctx, orgID, page.Records, campaignCache)
		if err != nil {
			return res, err
		}
		n, err := s.calls.UpsertCalls(ctx, calls)
		if err != nil {
			return res, eris.Wrapf(err, "ingest: upsert page at offset %d", offset)
		}
		res.Fetched += page.Received
		res.Upserted += n
		log.Debug("page synced", zap.Int("offset", offset),
			zap.Int("records", page.Received), zap.Int64("upserted", n))

		if page.Received < s.pageSize {
			break
		}
		offset += s.pageSize
	}

	log.Info("sync complete", zap.Int("fetched", res.Fetched), zap.Int64("upserted", res.Upserted))
	return res, nil
}

func (s *Syncer) mapPage(ctx context.Context, orgID string, records []ringba.Record, cache map[string]string) ([]model.Call, error) {
	now := s.now()
	calls := make([]model.Call, 0, len(records))
	for _, rec := range records {
		if rec.InboundCallID == "" {
			zap.L().Warn("skipping call record without inboundCallId", zap.String("org_id", orgID))
			continue
		}
		var campaignID *string
		if rec.CampaignID != "" {
			id, ok := cache[rec.CampaignID]
			if !ok {
				var err error
				id, err = s.campaigns.FindOrCreate(ctx, orgID, rec.CampaignID, rec.CampaignName)
				if err != nil {
					return nil, eris.Wrapf(err, "ingest: resolve campaign %s", rec.CampaignID)
				}
				cache[rec.CampaignID] = id
			}
			campaignID = &id
		}
		calls = append(calls, mapRecord(rec, orgID, campaignID, now))
	}
	return calls, nil
}
