package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skillswap/api/internal/app"
	"skillswap/api/internal/search"
	"skillswap/api/internal/store"
)

func migrateCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(cmd.Context(), rt.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), db, rt.cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			rt.logger.Info("migrations complete", zap.Int("applied", len(applied)), zap.Strings("versions", applied))
			return nil
		},
	}
}

func reindexCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the tutor search index from Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(rt.cfg.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			db, err := store.Open(cmd.Context(), rt.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			dataStore := store.NewPostgresStore(db)
			meiliClient := search.NewMeili(rt.cfg.MeiliURL, rt.cfg.MeiliMasterKey, rt.logger)
			defer meiliClient.Close()
			if !meiliClient.Healthy() {
				return fmt.Errorf("meilisearch unavailable at %s", rt.cfg.MeiliURL)
			}

			service := app.New(rt.cfg, dataStore,
				app.WithLogger(rt.logger),
				app.WithSearch(search.NewService(meiliClient, search.NewPgSkills(dataStore), rt.logger)),
			)
			count, err := service.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			rt.logger.Info("reindex complete", zap.Int("indexed", count))
			return nil
		},
	}
}
