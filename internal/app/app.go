// Package app wires configuration into the ingest, vault and recovery
// services shared by the server, worker and CLI binaries.
package app

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/audio"
	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/database"
	"github.com/dharsanguruparan/callscript/internal/ingest"
	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/recovery"
	"github.com/dharsanguruparan/callscript/internal/repository"
	"github.com/dharsanguruparan/callscript/internal/resilience"
	"github.com/dharsanguruparan/callscript/internal/ringba"
	"github.com/dharsanguruparan/callscript/internal/s3storage"
	"github.com/dharsanguruparan/callscript/internal/vault"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	Calls     *repository.CallRepository
	Campaigns *repository.CampaignRepository
	Storage   *s3storage.Storage
	Ingest    *ingest.Runner
	Vault     *vault.Worker
	Recovery  *recovery.Recoverer
}

// New connects to Postgres and object storage and builds the services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.EnsureSchema {
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	store, err := s3storage.New(cfg.Storage)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Pool:      pool,
		Calls:     repository.NewCallRepository(pool),
		Campaigns: repository.NewCampaignRepository(pool),
		Storage:   store,
	}
	a.Ingest = ingest.NewRunner(
		ingest.NewSyncer(a.Calls, a.Campaigns, cfg.Ringba.PageSize),
		orgSource(cfg, repository.NewCredentialRepository(pool)),
		ClientFactory(cfg.Ringba),
		cfg.Sync.BackfillPause,
	)
	a.Vault = vault.NewWorker(a.Calls, NewAudioFetcher(cfg.Vault), store, VaultOptions(cfg))
	a.Recovery = recovery.NewRecoverer(a.Calls, store)
	return a, nil
}

// Close releases the database pool.
func (a *App) Close() {
	a.Pool.Close()
}

func orgSource(cfg *config.Config, creds ingest.OrgSource) ingest.OrgSource {
	if cfg.Sync.MultiOrg {
		return creds
	}
	return ingest.StaticOrgs{{
		OrgID:     cfg.Sync.OrgID,
		AccountID: cfg.Ringba.AccountID,
		Token:     cfg.Ringba.Token,
	}}
}

// ClientFactory returns a factory of reporting API clients that share one
// circuit breaker.
func ClientFactory(cfg config.RingbaConfig) ingest.ClientFactory {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("reporting API circuit changed state",
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	return func(creds model.OrgCredentials) ingest.PageFetcher {
		return ringba.NewClient(cfg.BaseURL, creds.AccountID, creds.Token,
			ringba.WithTimeout(cfg.Timeout),
			ringba.WithRetry(retry),
			ringba.WithBreaker(breaker),
		)
	}
}

// NewAudioFetcher builds the recording fetcher from the vault settings.
func NewAudioFetcher(cfg config.VaultConfig) *audio.Fetcher {
	return audio.NewFetcher(&http.Client{}, cfg.FetchTimeout, resilience.RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     2,
		JitterFraction: 0.1,
	})
}

// VaultOptions maps config onto vault.Options.
func VaultOptions(cfg *config.Config) vault.Options {
	orgID := ""
	if !cfg.Sync.MultiOrg {
		orgID = cfg.Sync.OrgID
	}
	return vault.Options{
		OrgID:         orgID,
		BatchSize:     cfg.Vault.BatchSize,
		Concurrency:   cfg.Vault.Concurrency,
		MinDuration:   cfg.Vault.MinDuration,
		ClaimTTL:      cfg.Vault.ClaimTTL,
		UploadTimeout: cfg.Vault.UploadTimeout,
	}
}

// RecoveryOptions fills the configured retry ceiling into opts.
func RecoveryOptions(cfg *config.Config, opts recovery.Options) recovery.Options {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = cfg.Vault.MaxRetries
	}
	return opts
}
