package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/model"
)

// CallRepository reads and mutates rows of the calls table. Every mutation is
// a single statement; the storage_path column is the only coordination point
// between vault workers.
type CallRepository struct {
	pool Pool
	now  func() time.Time
}

// NewCallRepository constructs a repository.
func NewCallRepository(pool Pool) *CallRepository {
	return &CallRepository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// upsertColumns is the insert column order used by UpsertCalls.
var upsertColumns = []string{
	"id", "org_id", "ringba_call_id", "campaign_id", "start_time_utc",
	"caller_number", "duration_seconds", "revenue", "payout", "publisher_id",
	"buyer_name", "audio_url", "raw_payload", "status", "created_at", "updated_at",
}

// sourceColumns are overwritten when a call is seen again. Pipeline-owned
// columns (status, storage_path, retry_count, processing_error, skip_reason,
// claimed_at) are left alone.
var sourceColumns = []string{
	"campaign_id", "start_time_utc", "caller_number", "duration_seconds",
	"revenue", "payout", "publisher_id", "buyer_name", "audio_url",
	"raw_payload", "updated_at",
}

// maxUpsertRows keeps one INSERT, at 16 parameters per row, under the Postgres
// bind-parameter limit.
const maxUpsertRows = 65535 / 16

// UpsertCalls inserts new calls as pending and refreshes the source columns of
// calls that already exist, keyed on ringba_call_id. Large batches are split
// into several statements. It returns the number of rows written.
func (r *CallRepository) UpsertCalls(ctx context.Context, calls []model.Call) (int64, error) {
	if len(calls) == 0 {
		return 0, nil
	}
	// One statement may not name the same conflict key twice.
	calls = dedupeByExternalID(calls)

	var total int64
	for start := 0; start < len(calls); start += maxUpsertRows {
		end := min(start+maxUpsertRows, len(calls))
		n, err := r.upsertChunk(ctx, calls[start:end])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *CallRepository) upsertChunk(ctx context.Context, calls []model.Call) (int64, error) {
	now := r.now()
	args := make([]any, 0, len(calls)*len(upsertColumns))
	rows := make([]string, 0, len(calls))
	for i, c := range calls {
		ph := make([]string, len(upsertColumns))
		for j := range upsertColumns {
			ph[j] = fmt.Sprintf("$%d", i*len(upsertColumns)+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ",")+")")

		var raw any
		if len(c.RawPayload) > 0 {
			raw = []byte(c.RawPayload)
		}
		args = append(args,
			uuid.NewString(), c.OrgID, c.ExternalCallID, c.CampaignID, c.StartTime.UTC(),
			c.CallerNumber, c.DurationSeconds, c.Revenue, c.Payout, c.PublisherID,
			c.BuyerName, c.AudioURL, raw, model.StatusPending, now, now,
		)
	}

	set := make([]string, len(sourceColumns))
	for i, col := range sourceColumns {
		set[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	stmt := fmt.Sprintf(`INSERT INTO calls (%s) VALUES %s
		ON CONFLICT (ringba_call_id) DO UPDATE SET %s`,
		strings.Join(upsertColumns, ", "),
		strings.Join(rows, ", "),
		strings.Join(set, ", "),
	)
	tag, err := r.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "repository: upsert %d calls", len(calls))
	}
	return tag.RowsAffected(), nil
}

func dedupeByExternalID(calls []model.Call) []model.Call {
	index := make(map[string]int, len(calls))
	out := make([]model.Call, 0, len(calls))
	for _, c := range calls {
		if i, ok := index[c.ExternalCallID]; ok {
			out[i] = c
			continue
		}
		index[c.ExternalCallID] = len(out)
		out = append(out, c)
	}
	return out
}

// SelectPending returns up to limit vaultable calls, newest first. An empty
// orgID selects across organizations.
func (r *CallRepository) SelectPending(ctx context.Context, orgID string, limit int) ([]model.Call, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, ringba_call_id, COALESCE(campaign_id, ''), start_time_utc,
			duration_seconds, audio_url, retry_count
		FROM calls
		WHERE status = $1
			AND audio_url IS NOT NULL
			AND storage_path IS NULL
			AND ($2 = '' OR org_id = $2)
		ORDER BY start_time_utc DESC
		LIMIT $3
	`, model.StatusPending, orgID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "repository: select pending calls")
	}
	defer rows.Close()

	var calls []model.Call
	for rows.Next() {
		var (
			c          model.Call
			campaignID string
			audioURL   string
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ExternalCallID, &campaignID, &c.StartTime,
			&c.DurationSeconds, &audioURL, &c.RetryCount); err != nil {
			return nil, eris.Wrap(err, "repository: scan pending call")
		}
		c.CampaignID = nullable(campaignID)
		c.AudioURL = nullable(audioURL)
		c.Status = model.StatusPending
		c.StoragePath = model.Unclaimed()
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "repository: iterate pending calls")
	}
	return calls, nil
}

// Claim moves a call from Unclaimed to Claimed(token). It reports false when
// another worker got there first or the call is no longer pending.
func (r *CallRepository) Claim(ctx context.Context, callID, token string) (bool, error) {
	now := r.now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE calls
		SET storage_path = $1, claimed_at = $2, updated_at = $2
		WHERE id = $3 AND storage_path IS NULL AND status = $4
	`, model.Claimed(token).Column(), now, callID, model.StatusPending)
	if err != nil {
		return false, eris.Wrapf(err, "repository: claim call %s", callID)
	}
	return tag.RowsAffected() == 1, nil
}

// Release returns a claimed call to the queue after a transient failure. The
// status stays pending and retry_count goes up by one.
func (r *CallRepository) Release(ctx context.Context, callID, token, reason string) (bool, error) {
	return r.clearClaim(ctx, callID, token, model.StatusPending, reason, 1)
}

// Fail releases a claimed call and marks it failed after a permanent failure.
func (r *CallRepository) Fail(ctx context.Context, callID, token, reason string) (bool, error) {
	return r.clearClaim(ctx, callID, token, model.StatusFailed, reason, 0)
}

func (r *CallRepository) clearClaim(ctx context.Context, callID, token string, status model.CallStatus, reason string, retryInc int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calls
		SET storage_path = NULL,
			claimed_at = NULL,
			status = $1,
			processing_error = $2,
			retry_count = retry_count + $3,
			updated_at = $4
		WHERE id = $5 AND storage_path = $6
	`, status, reason, retryInc, r.now(), callID, model.Claimed(token).Column())
	if err != nil {
		return false, eris.Wrapf(err, "repository: release call %s", callID)
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize moves a claimed call to Finalized(path) with the given status. The
// update only applies while the row still carries this worker's token.
func (r *CallRepository) Finalize(ctx context.Context, callID, token, path string, status model.CallStatus, skipReason *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calls
		SET storage_path = $1,
			claimed_at = NULL,
			status = $2,
			skip_reason = $3,
			processing_error = NULL,
			updated_at = $4
		WHERE id = $5 AND storage_path = $6
	`, model.Finalized(path).Column(), status, skipReason, r.now(), callID, model.Claimed(token).Column())
	if err != nil {
		return false, eris.Wrapf(err, "repository: finalize call %s", callID)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStale reverts claims taken before the cutoff to Unclaimed so the
// calls become selectable again. It returns the number of calls reverted.
func (r *CallRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calls
		SET storage_path = NULL,
			claimed_at = NULL,
			processing_error = $1,
			updated_at = $2
		WHERE storage_path LIKE $3
			AND COALESCE(claimed_at, updated_at) < $4
	`, StaleClaimReason, r.now(), model.ClaimPrefix+"%", cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "repository: reclaim stale claims")
	}
	return tag.RowsAffected(), nil
}

// StaleClaimReason is recorded on calls whose claim expired.
const StaleClaimReason = "claim expired before the vault worker finished"

// QueueStats counts calls per status and claims older than staleBefore.
func (r *CallRepository) QueueStats(ctx context.Context, staleBefore time.Time) (model.QueueStats, error) {
	stats := model.QueueStats{ByStatus: make(map[model.CallStatus]int64)}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return stats, eris.Wrap(err, "repository: count calls by status")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, eris.Wrap(err, "repository: scan status count")
		}
		stats.ByStatus[model.CallStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "repository: iterate status counts")
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM calls
		WHERE storage_path LIKE $1 AND COALESCE(claimed_at, updated_at) < $2
	`, model.ClaimPrefix+"%", staleBefore).Scan(&stats.StuckClaims)
	if err != nil {
		return stats, eris.Wrap(err, "repository: count stuck claims")
	}
	return stats, nil
}

// ListFailed returns failed calls, most recently updated first.
func (r *CallRepository) ListFailed(ctx context.Context, limit int) ([]model.Call, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, ringba_call_id, COALESCE(audio_url, ''), COALESCE(storage_path, ''),
			retry_count, COALESCE(processing_error, ''), updated_at
		FROM calls
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, model.StatusFailed, limit)
	if err != nil {
		return nil, eris.Wrap(err, "repository: list failed calls")
	}
	defer rows.Close()

	var calls []model.Call
	for rows.Next() {
		var (
			c                         model.Call
			audioURL, path, procError string
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ExternalCallID, &audioURL, &path,
			&c.RetryCount, &procError, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "repository: scan failed call")
		}
		c.Status = model.StatusFailed
		c.AudioURL = nullable(audioURL)
		c.StoragePath = model.ParseStoragePath(nullable(path))
		c.ProcessingError = nullable(procError)
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "repository: iterate failed calls")
	}
	return calls, nil
}

// Requeue moves a failed call back into the pipeline and resets its retry
// budget. Moving to pending also
// clears storage_path so the vault worker selects it again; moving to
// downloaded keeps the vaulted object.
func (r *CallRepository) Requeue(ctx context.Context, callID string, to model.CallStatus) (bool, error) {
	var stmt string
	switch to {
	case model.StatusPending:
		stmt = `
		UPDATE calls
		SET status = $1, storage_path = NULL, claimed_at = NULL, processing_error = NULL, retry_count = 0, updated_at = $2
		WHERE id = $3 AND status = $4`
	case model.StatusDownloaded:
		stmt = `
		UPDATE calls
		SET status = $1, processing_error = NULL, retry_count = 0, updated_at = $2
		WHERE id = $3 AND status = $4`
	default:
		return false, eris.Errorf("repository: cannot requeue call to %q", to)
	}
	tag, err := r.pool.Exec(ctx, stmt, to, r.now(), callID, model.StatusFailed)
	if err != nil {
		return false, eris.Wrapf(err, "repository: requeue call %s", callID)
	}
	return tag.RowsAffected() == 1, nil
}

// Get loads one call by id.
func (r *CallRepository) Get(ctx context.Context, callID string) (*model.Call, error) {
	var (
		c                                   model.Call
		campaignID, audioURL, path, procErr string
		skipReason, status                  string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, ringba_call_id, COALESCE(campaign_id, ''), start_time_utc,
			duration_seconds, COALESCE(audio_url, ''), COALESCE(storage_path, ''), status,
			retry_count, COALESCE(processing_error, ''), COALESCE(skip_reason, ''),
			created_at, updated_at
		FROM calls WHERE id = $1
	`, callID).Scan(&c.ID, &c.OrgID, &c.ExternalCallID, &campaignID, &c.StartTime,
		&c.DurationSeconds, &audioURL, &path, &status,
		&c.RetryCount, &procErr, &skipReason,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "call %s", callID)
		}
		return nil, eris.Wrapf(err, "repository: get call %s", callID)
	}
	c.CampaignID = nullable(campaignID)
	c.AudioURL = nullable(audioURL)
	c.StoragePath = model.ParseStoragePath(nullable(path))
	c.Status = model.CallStatus(status)
	c.ProcessingError = nullable(procErr)
	c.SkipReason = nullable(skipReason)
	return &c, nil
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = eris.New("not found")
