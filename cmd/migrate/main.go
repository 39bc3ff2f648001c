package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fastcrud/userapi/internal/repository"
	"github.com/fastcrud/userapi/internal/services"
	"github.com/fastcrud/userapi/pkg/config"
	"github.com/fastcrud/userapi/pkg/database"
	"github.com/fastcrud/userapi/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the user database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "overrides DATABASE_URL")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create or update tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), databaseURL, func(ctx context.Context, db *gorm.DB) error {
				if err := repository.Migrate(ctx, db); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations completed")
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Insert the demo accounts, skipping existing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), databaseURL, func(ctx context.Context, db *gorm.DB) error {
				if err := repository.Migrate(ctx, db); err != nil {
					return err
				}
				svc := services.NewUserService(repository.NewUserRepository(db))
				n, err := svc.SeedDemoUsers(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users (password %q)\n", n, services.DemoPassword)
				return nil
			})
		},
	})

	return root
}

func withDB(ctx context.Context, url string, fn func(context.Context, *gorm.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.Init("userapi-migrate", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if url == "" {
		url = cfg.DatabaseURL
	}
	db, err := database.Open(ctx, url, database.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn("database close error", zap.Error(err))
		}
	}()
	return fn(ctx, db)
}
