package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bookstore/payments/internal/platform/config"
	pfirestore "github.com/bookstore/payments/internal/platform/firestore"
	ppostgres "github.com/bookstore/payments/internal/platform/postgres"
	"github.com/bookstore/payments/internal/repositories"
	fsrepo "github.com/bookstore/payments/internal/repositories/firestore"
	"github.com/bookstore/payments/internal/repositories/memory"
	pgrepo "github.com/bookstore/payments/internal/repositories/postgres"
)

const storeCheckTimeout = 2 * time.Second

type storeBackend struct {
	registry repositories.Registry
	check    repositories.DependencyCheck
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storeBackend, error) {
	switch cfg.Storage.Backend {
	case config.StorageFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		registry, err := fsrepo.NewRegistry(provider)
		if err != nil {
			return storeBackend{}, err
		}
		if err := registry.Ping(ctx); err != nil {
			_ = registry.Close(ctx)
			return storeBackend{}, fmt.Errorf("firestore ping: %w", err)
		}
		logger.Info("using firestore storage", zap.String("projectID", cfg.Firestore.ProjectID))
		return storeBackend{
			registry: registry,
			check:    repositories.DependencyCheck{Name: "firestore", Timeout: storeCheckTimeout, Check: registry.Ping},
		}, nil

	case config.StoragePostgres:
		db, err := ppostgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return storeBackend{}, err
		}
		if cfg.Postgres.MigrateOnStart {
			if err := pgrepo.Migrate(db); err != nil {
				_ = db.Close()
				return storeBackend{}, err
			}
			logger.Info("postgres migrations applied")
		}
		registry, err := pgrepo.NewRegistry(db)
		if err != nil {
			_ = db.Close()
			return storeBackend{}, err
		}
		logger.Info("using postgres storage")
		return storeBackend{
			registry: registry,
			check:    repositories.DependencyCheck{Name: "postgres", Timeout: storeCheckTimeout, Check: registry.Ping},
		}, nil

	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		return storeBackend{
			registry: memory.NewRegistry(),
			check: repositories.DependencyCheck{
				Name:  "memory",
				Check: func(context.Context) error { return nil },
			},
		}, nil
	}
}
