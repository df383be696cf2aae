package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Modes accepted by Validate. Each entry point checks only what it uses.
const (
	ModeSync   = "sync"
	ModeVault  = "vault"
	ModeServer = "server"
	ModeWorker = "worker"
	ModeAdmin  = "admin"
)

// MaxPageSize is the largest call-log page the reporting API serves.
const MaxPageSize = 1000

// Validate checks that the settings required by the given mode are present.
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var problems []string
	require := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	needDB := true
	needSync := false
	needVault := false
	needRedis := false
	switch mode {
	case ModeSync:
		needSync = true
	case ModeVault:
		needVault = true
	case ModeServer:
		needSync = true
		needVault = true
		needRedis = true
		require(c.Server.Address != "", "server.address is required")
	case ModeWorker:
		needSync = true
		needVault = true
		needRedis = true
		require(c.Schedule.Sync != "", "schedule.sync is required")
		require(c.Schedule.Vault != "", "schedule.vault is required")
	case ModeAdmin:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needDB {
		require(c.Database.URL != "", "database.url is required")
	}
	if needSync {
		require(c.Ringba.BaseURL != "", "ringba.base_url is required")
		require(c.Ringba.PageSize > 0 && c.Ringba.PageSize <= MaxPageSize,
			fmt.Sprintf("ringba.page_size must be between 1 and %d", MaxPageSize))
		if !c.Sync.MultiOrg {
			require(c.Sync.OrgID != "", "sync.org_id is required unless sync.multi_org is set")
			require(c.Ringba.AccountID != "", "ringba.account_id is required unless sync.multi_org is set")
			require(c.Ringba.Token != "", "ringba.token is required unless sync.multi_org is set")
		}
	}
	if needVault {
		require(c.Storage.Endpoint != "", "storage.endpoint is required")
		require(c.Storage.Bucket != "", "storage.bucket is required")
		require(c.Vault.BatchSize > 0, "vault.batch_size must be positive")
		require(c.Vault.UploadTimeout > 0, "vault.upload_timeout must be positive")
	}
	if needRedis {
		require(c.Redis.Addr != "", "redis.addr is required")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
