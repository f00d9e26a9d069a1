package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/aggregate"
)

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Reports stored records whose description is not exactly one paragraph",
		RunE:  runJoinCommand,
	}
}

func runJoinCommand(cmd *cobra.Command, _ []string) error {
	env, err := resolveEnv(cmd.Context())
	if err != nil {
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
		return fmt.Errorf("join: %w", err)
	}
	report := aggregate.Check(products)
	for _, f := range report.Findings {
		env.logger.Warn("unexpected paragraph count",
			zap.String("id", f.ID),
			zap.String("url", f.SourceURL),
			zap.Int("paragraphs", f.Paragraphs),
			zap.String("description", f.Description),
		)
	}
	env.logger.Info("join finished",
		zap.Int("products", report.Products),
		zap.Int("findings", len(report.Findings)),
	)
	return nil
}
