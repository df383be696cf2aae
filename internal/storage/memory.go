// Package storage contains an in-memory call store with the same semantics as
// the Postgres repositories. Tests and local dry runs use it in place of a
// database.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/repository"
)

// ErrNotFound is returned when a call does not exist.
var ErrNotFound = repository.ErrNotFound

// MemoryStore keeps calls and campaigns in maps guarded by one RWMutex. Every
// method holds the lock for its whole body, so conditional updates are atomic
// the way single UPDATE statements are.
type MemoryStore struct {
	mu         sync.RWMutex
	calls      map[string]*model.Call
	byExternal map[string]string
	campaigns  map[campaignKey]model.Campaign

	now func() time.Time
}

type campaignKey struct {
	orgID      string
	externalID string
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:      make(map[string]*model.Call),
		byExternal: make(map[string]string),
		campaigns:  make(map[campaignKey]model.Campaign),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's notion of now.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Save inserts or replaces a call as-is.
func (m *MemoryStore) Save(call model.Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	c := call
	m.calls[c.ID] = &c
	m.byExternal[c.ExternalCallID] = c.ID
}

// Get returns a copy of a call.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "call %s", id)
	}
	cp := *c
	return &cp, nil
}

// Calls returns copies of every call ordered by external id.
func (m *MemoryStore) Calls() []model.Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalCallID < out[j].ExternalCallID })
	return out
}

// Campaigns returns every campaign.
func (m *MemoryStore) Campaigns() []model.Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// UpsertCalls mirrors CallRepository.UpsertCalls.
func (m *MemoryStore) UpsertCalls(_ context.Context, calls []model.Call) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, in := range calls {
		if id, ok := m.byExternal[in.ExternalCallID]; ok {
			c := m.calls[id]
			c.CampaignID = in.CampaignID
			c.StartTime = in.StartTime.UTC()
			c.CallerNumber = in.CallerNumber
			c.DurationSeconds = in.DurationSeconds
			c.Revenue = in.Revenue
			c.Payout = in.Payout
			c.PublisherID = in.PublisherID
			c.BuyerName = in.BuyerName
			c.AudioURL = in.AudioURL
			c.RawPayload = in.RawPayload
			c.UpdatedAt = now
			n++
			continue
		}
		c := in
		c.ID = uuid.NewString()
		c.StartTime = in.StartTime.UTC()
		c.Status = model.StatusPending
		c.StoragePath = model.Unclaimed()
		c.RetryCount = 0
		c.ProcessingError = nil
		c.SkipReason = nil
		c.ClaimedAt = nil
		c.CreatedAt = now
		c.UpdatedAt = now
		m.calls[c.ID] = &c
		m.byExternal[c.ExternalCallID] = c.ID
		n++
	}
	return n, nil
}

// FindOrCreate mirrors CampaignRepository.FindOrCreate.
func (m *MemoryStore) FindOrCreate(_ context.Context, orgID, externalID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := campaignKey{orgID: orgID, externalID: externalID}
	if c, ok := m.campaigns[key]; ok {
		return c.ID, nil
	}
	if name == "" {
		name = model.UnknownCampaignName
	}
	c := model.Campaign{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		ExternalID: externalID,
		Name:       name,
		CreatedAt:  m.now(),
	}
	m.campaigns[key] = c
	return c.ID, nil
}

// SelectPending mirrors CallRepository.SelectPending.
func (m *MemoryStore) SelectPending(_ context.Context, orgID string, limit int) ([]model.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Call
	for _, c := range m.calls {
		if c.Status != model.StatusPending || !c.HasAudio() || c.StoragePath.State() != model.PathUnclaimed {
			continue
		}
		if orgID != "" && c.OrgID != orgID {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim mirrors CallRepository.Claim.
func (m *MemoryStore) Claim(_ context.Context, callID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok || c.Status != model.StatusPending || c.StoragePath.State() != model.PathUnclaimed {
		return false, nil
	}
	now := m.now()
	c.StoragePath = model.Claimed(token)
	c.ClaimedAt = &now
	c.UpdatedAt = now
	return true, nil
}

// owned returns the call when it still carries token. Caller holds the lock.
func (m *MemoryStore) owned(callID, token string) (*model.Call, bool) {
	c, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	held, ok := c.StoragePath.Token()
	if !ok || held != token {
		return nil, false
	}
	return c, true
}

// Release mirrors CallRepository.Release.
func (m *MemoryStore) Release(_ context.Context, callID, token, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.owned(callID, token)
	if !ok {
		return false, nil
	}
	c.StoragePath = model.Unclaimed()
	c.ClaimedAt = nil
	c.Status = model.StatusPending
	c.ProcessingError = &reason
	c.RetryCount++
	c.UpdatedAt = m.now()
	return true, nil
}

// Fail mirrors CallRepository.Fail.
func (m *MemoryStore) Fail(_ context.Context, callID, token, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.owned(callID, token)
	if !ok {
		return false, nil
	}
	c.StoragePath = model.Unclaimed()
	c.ClaimedAt = nil
	c.Status = model.StatusFailed
	c.ProcessingError = &reason
	c.UpdatedAt = m.now()
	return true, nil
}

// Finalize mirrors CallRepository.Finalize.
func (m *MemoryStore) Finalize(_ context.Context, callID, token, path string, status model.CallStatus, skipReason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.owned(callID, token)
	if !ok {
		return false, nil
	}
	c.StoragePath = model.Finalized(path)
	c.ClaimedAt = nil
	c.Status = status
	c.SkipReason = skipReason
	c.ProcessingError = nil
	c.UpdatedAt = m.now()
	return true, nil
}

// ReclaimStale mirrors CallRepository.ReclaimStale.
func (m *MemoryStore) ReclaimStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	reason := repository.StaleClaimReason
	for _, c := range m.calls {
		if !stale(c, cutoff) {
			continue
		}
		c.StoragePath = model.Unclaimed()
		c.ClaimedAt = nil
		c.ProcessingError = &reason
		c.UpdatedAt = m.now()
		n++
	}
	return n, nil
}

func stale(c *model.Call, cutoff time.Time) bool {
	if c.StoragePath.State() != model.PathClaimed {
		return false
	}
	at := c.UpdatedAt
	if c.ClaimedAt != nil {
		at = *c.ClaimedAt
	}
	return at.Before(cutoff)
}

// QueueStats mirrors CallRepository.QueueStats.
func (m *MemoryStore) QueueStats(_ context.Context, staleBefore time.Time) (model.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := model.QueueStats{ByStatus: make(map[model.CallStatus]int64)}
	for _, c := range m.calls {
		stats.ByStatus[c.Status]++
		if stale(c, staleBefore) {
			stats.StuckClaims++
		}
	}
	return stats, nil
}

// ListFailed mirrors CallRepository.ListFailed.
func (m *MemoryStore) ListFailed(_ context.Context, limit int) ([]model.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Call
	for _, c := range m.calls {
		if c.Status == model.StatusFailed {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Requeue mirrors CallRepository.Requeue.
func (m *MemoryStore) Requeue(_ context.Context, callID string, to model.CallStatus) (bool, error) {
	if to != model.StatusPending && to != model.StatusDownloaded {
		return false, eris.Errorf("storage: cannot requeue call to %q", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok || c.Status != model.StatusFailed {
		return false, nil
	}
	c.Status = to
	c.ProcessingError = nil
	c.RetryCount = 0
	if to == model.StatusPending {
		c.StoragePath = model.Unclaimed()
		c.ClaimedAt = nil
	}
	c.UpdatedAt = m.now()
	return true, nil
}

// CountByPrefix counts calls whose storage path starts with prefix. Tests use
// it to assert no claim tokens are left behind.
func (m *MemoryStore) CountByPrefix(prefix string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if col := c.StoragePath.Column(); col != nil && strings.HasPrefix(*col, prefix) {
			n++
		}
	}
	return n
}
