package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/aggregate"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
)

// productIndex is the part of postgres.ProductIndex the index command uses.
type productIndex interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, product crawler.Product) error
	Close()
}

// openIndex is a variable so tests can substitute a mocked pool.
var openIndex = func(ctx context.Context, cfg config.DBConfig) (productIndex, error) {
	return postgres.NewProductIndex(ctx, indexConfig(cfg))
}

func indexConfig(cfg config.DBConfig) postgres.ProductIndexConfig {
	return postgres.ProductIndexConfig{
		DSN:             cfg.DSN,
		Table:           cfg.Table,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	}
}

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Upserts every stored product record into Postgres",
		RunE:  runIndexCommand,
	}
}

func runIndexCommand(cmd *cobra.Command, _ []string) error {
	env, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	if err := env.cfg.ValidateDB(); err != nil {
		return err
	}
	ctx := cmd.Context()

	store, closeStore, err := openStore(ctx, env.cfg.Storage, env.logger)
	if err != nil {
		return err
	}
	defer closeStore()

	products, err := aggregate.Load(ctx, store, env.cfg.Storage.ProductPrefix)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	index, err := openIndex(ctx, env.cfg.DB)
	if err != nil {
		return fmt.Errorf("open product index: %w", err)
	}
	defer index.Close()

	if err := index.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	for _, p := range products {
		if err := index.Upsert(ctx, p); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	}
	env.logger.Info("index finished", zap.Int("products", len(products)))
	return nil
}
