package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/model"
)

// CampaignRepository resolves external campaign ids to internal ones.
type CampaignRepository struct {
	pool Pool
}

// NewCampaignRepository constructs a repository.
func NewCampaignRepository(pool Pool) *CampaignRepository {
	return &CampaignRepository{pool: pool}
}

// FindOrCreate returns the internal id of the campaign identified by
// (orgID, externalID), inserting it when missing. A concurrent insert of the
// same campaign loses the race quietly and the winner's row is returned.
func (r *CampaignRepository) FindOrCreate(ctx context.Context, orgID, externalID, name string) (string, error) {
	if name == "" {
		name = model.UnknownCampaignName
	}

	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM campaigns WHERE org_id = $1 AND ringba_campaign_id = $2
	`, orgID, externalID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(err, "repository: find campaign %s", externalID)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO campaigns (id, org_id, ringba_campaign_id, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, ringba_campaign_id) DO NOTHING
		RETURNING id
	`, uuid.NewString(), orgID, externalID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(err, "repository: insert campaign %s", externalID)
	}

	// Another writer inserted it between our select and insert.
	err = r.pool.QueryRow(ctx, `
		SELECT id FROM campaigns WHERE org_id = $1 AND ringba_campaign_id = $2
	`, orgID, externalID).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "repository: refetch campaign %s", externalID)
	}
	return id, nil
}
