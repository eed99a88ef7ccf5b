package admin

import (
	"fmt"

	"github.com/cloo-solutions/kubekb/internal/config"
	"github.com/cloo-solutions/kubekb/internal/database"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// MigrateCmd applies the pgvector schema migrations and exits.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply the pgvector schema migrations to KUBEKB_DATABASE_URL and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("KUBEKB_DATABASE_URL is required")
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			version, err := database.Migrate(cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			logger.Info("database schema ready", zap.Uint("version", version))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
