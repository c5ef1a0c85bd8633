package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/config"
)

type rootOptions struct {
	configPath string
	cfg        config.Config
	log        *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "tgcollector",
		Short:         "Collect messages of subscribed dialogs from logged-in accounts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			log, err := buildLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			opts.cfg, opts.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newMigrateCmd(opts),
		newFlushCmd(opts),
		newLoginCmd(opts),
		newSessionsCmd(opts),
		newSubscriptionsCmd(opts),
		newHistoryCmd(opts),
	)
	return rootCmd
}

func loadConfig(ctx context.Context, path string) (config.Config, error) {
	cfg, err := config.Load(config.New(), path)
	if err != nil {
		return config.Config{}, err
	}
	if !cfg.NeedsSecrets() {
		return cfg, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ps, err := newParamStore(ctx)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ResolveSecrets(ctx, ps); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func buildLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", version, buildDate)
			return err
		},
	}
}
