package main

import (
	"errors"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nuha.dev/locus/internal/config"
	"nuha.dev/locus/internal/store/impl/pgstore"
)

// newMigrateCommand creates the permission and fix history tables.
func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create the postgres tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := config.LoadHost(v)
			if err != nil {
				return err
			}
			if h.DatabaseURL == "" {
				return errors.New("db_url is not set")
			}
			logger := setupLogging(h)
			pool, err := pgxpool.Connect(cmd.Context(), h.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pgstore.Migrate(cmd.Context(), pool, h.HistoryTable); err != nil {
				return err
			}
			logger.Info().Str("table", h.HistoryTable).Msg("migration done")
			return nil
		},
	}
}
