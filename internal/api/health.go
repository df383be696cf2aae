package api

import (
	"fmt"
	"time"

	"github.com/dharsanguruparan/callscript/internal/model"
)

// HealthStatus is the overall verdict reported by /healthz.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Queue thresholds.
const (
	PendingWarning  = 100
	PendingCritical = 500
	StuckCritical   = 5
)

// Health is the /healthz response body.
type Health struct {
	Status    HealthStatus      `json:"status"`
	Issues    []string          `json:"issues,omitempty"`
	Queue     *model.QueueStats `json:"queue,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Evaluate grades queue stats against the thresholds.
func Evaluate(stats model.QueueStats, now time.Time) Health {
	h := Health{Status: HealthHealthy, Queue: &stats, Timestamp: now}
	pending := stats.Count(model.StatusPending)

	switch {
	case pending > PendingCritical:
		h.Status = HealthCritical
		h.Issues = append(h.Issues, fmt.Sprintf("pending queue critical: %d", pending))
	case pending > PendingWarning:
		h.Status = HealthWarning
		h.Issues = append(h.Issues, fmt.Sprintf("pending queue high: %d", pending))
	}
	if stats.StuckClaims > StuckCritical {
		h.Status = HealthCritical
		h.Issues = append(h.Issues, fmt.Sprintf("stuck claims: %d", stats.StuckClaims))
	}
	return h
}
