package repository

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/model"
)

// CredentialRepository reads per-organization reporting API credentials.
type CredentialRepository struct {
	pool Pool
}

// NewCredentialRepository constructs a repository.
func NewCredentialRepository(pool Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// ListActive returns credentials for every active organization.
func (r *CredentialRepository) ListActive(ctx context.Context) ([]model.OrgCredentials, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT org_id, org_name, account_id, token
		FROM organization_credentials
		WHERE active
		ORDER BY org_id
	`)
	if err != nil {
		return nil, eris.Wrap(err, "repository: list org credentials")
	}
	defer rows.Close()

	var creds []model.OrgCredentials
	for rows.Next() {
		var c model.OrgCredentials
		if err := rows.Scan(&c.OrgID, &c.OrgName, &c.AccountID, &c.Token); err != nil {
			return nil, eris.Wrap(err, "repository: scan org credentials")
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "repository: iterate org credentials")
	}
	return creds, nil
}
