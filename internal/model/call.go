// Package model contains the call and campaign records shared by the ingest
// and vault workers.
package model

import (
	"encoding/json"
	"time"
)

// CallStatus describes where a call sits in the processing pipeline. Only the
// pending, downloaded, safe and failed states are written by this module; the
// rest belong to the transcription and QA workers downstream.
type CallStatus string

const (
	StatusPending     CallStatus = "pending"
	StatusDownloaded  CallStatus = "downloaded"
	StatusProcessing  CallStatus = "processing"
	StatusTranscribed CallStatus = "transcribed"
	StatusFlagged     CallStatus = "flagged"
	StatusSafe        CallStatus = "safe"
	StatusFailed      CallStatus = "failed"
)

// AllStatuses lists every pipeline status in lifecycle order.
var AllStatuses = []CallStatus{
	StatusPending,
	StatusDownloaded,
	StatusProcessing,
	StatusTranscribed,
	StatusFlagged,
	StatusSafe,
	StatusFailed,
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Call is one inbound call observed by the telephony platform.
type Call struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"orgId"`
	ExternalCallID  string          `json:"ringbaCallId"`
	CampaignID      *string         `json:"campaignId,omitempty"`
	StartTime       time.Time       `json:"startTimeUtc"`
	CallerNumber    *string         `json:"callerNumber,omitempty"`
	DurationSeconds int             `json:"durationSeconds"`
	Revenue         float64         `json:"revenue"`
	Payout          float64         `json:"payout"`
	PublisherID     *string         `json:"publisherId,omitempty"`
	BuyerName       *string         `json:"buyerName,omitempty"`
	AudioURL        *string         `json:"audioUrl,omitempty"`
	StoragePath     StoragePath     `json:"-"`
	Status          CallStatus      `json:"status"`
	RetryCount      int             `json:"retryCount"`
	ProcessingError *string         `json:"processingError,omitempty"`
	SkipReason      *string         `json:"skipReason,omitempty"`
	RawPayload      json.RawMessage `json:"-"`
	ClaimedAt       *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// HasAudio reports whether the call carries a recording URL.
func (c *Call) HasAudio() bool {
	return c.AudioURL != nil && *c.AudioURL != ""
}

// Campaign groups calls under an external campaign id within one organization.
type Campaign struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	ExternalID string    `json:"ringbaCampaignId"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UnknownCampaignName is stored when the source does not name a campaign.
const UnknownCampaignName = "Unknown Campaign"

// OrgCredentials holds the reporting API credentials for one organization.
type OrgCredentials struct {
	OrgID     string `json:"orgId"`
	OrgName   string `json:"orgName"`
	AccountID string `json:"-"`
	Token     string `json:"-"`
}

// QueueStats counts calls per status plus claims that look abandoned.
type QueueStats struct {
	ByStatus    map[CallStatus]int64 `json:"byStatus"`
	StuckClaims int64                `json:"stuckClaims"`
}

// Count returns the number of calls in status s.
func (q QueueStats) Count(s CallStatus) int64 {
	return q.ByStatus[s]
}
