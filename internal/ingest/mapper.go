package ingest

import (
	"time"

	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/ringba"
)

// mapRecord converts a call-log record into a pending call. Records without a
// call time are stamped with fallback.
func mapRecord(rec ringba.Record, orgID string, campaignID *string, fallback time.Time) model.Call {
	start := rec.CallDt.Time
	if start.IsZero() {
		start = fallback
	}
	return model.Call{
		OrgID:           orgID,
		ExternalCallID:  rec.InboundCallID,
		CampaignID:      campaignID,
		StartTime:       start.UTC(),
		CallerNumber:    optional(rec.InboundPhoneNumber),
		DurationSeconds: rec.CallLengthInSeconds.Int(),
		Revenue:         rec.ConversionAmount.Float(),
		Payout:          rec.PayoutAmount.Float(),
		PublisherID:     optional(rec.PublisherID),
		BuyerName:       optional(rec.Buyer),
		AudioURL:        optional(rec.RecordingURL),
		Status:          model.StatusPending,
		RawPayload:      rec.Raw,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
