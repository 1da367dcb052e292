package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/runner"
	"github.com/sells-group/ingest-cli/internal/source"
	"github.com/sells-group/ingest-cli/internal/store"
	sfpkg "github.com/sells-group/ingest-cli/pkg/salesforce"
)

func initStore(ctx context.Context) (*store.PostgresStore, error) {
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initSources builds the adapter registry. Salesforce is optional: without
// credentials the remaining file and database adapters still register.
func initSources() *source.Registry {
	var sf sfpkg.Client
	if cfg.Sources.Salesforce.ClientID != "" {
		client, err := sfpkg.Connect(sfpkg.Config{
			ClientID: cfg.Sources.Salesforce.ClientID,
			Username: cfg.Sources.Salesforce.Username,
			KeyPath:  cfg.Sources.Salesforce.KeyPath,
			LoginURL: cfg.Sources.Salesforce.LoginURL,
		}, sfpkg.WithRateLimit(cfg.Sources.Salesforce.RateLimit))
		if err != nil {
			zap.L().Warn("salesforce auth failed, adapter not registered", zap.Error(err))
		} else {
			sf = client
		}
	}
	return source.NewRegistry(cfg, sf)
}

func initRunner(st store.Store) *runner.Runner {
	return runner.New(st, initSources(), cfg, nil)
}
