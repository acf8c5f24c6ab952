package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/api"
	"foreman/internal/auth"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/db/repositories"
	"foreman/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the foreman API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "listen address (overrides HOST)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides PORT)")
	serveCmd.Flags().String("database", "", "database path (overrides DATABASE_URL)")
	_ = viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("database", serveCmd.Flags().Lookup("database"))
}

func runServe(cmd *cobra.Command, args []string) error {
	// Flags override the environment for local development.
	if v := viper.GetString("database"); v != "" {
		os.Setenv("DATABASE_URL", v)
	}
	if v := viper.GetString("host"); v != "" {
		os.Setenv("HOST", v)
	}
	if v := viper.GetInt("port"); v != 0 {
		os.Setenv("PORT", fmt.Sprintf("%d", v))
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Initialize(cfg.LogLevel)

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if err := seedConsoleUser(repositories.New(database)); err != nil {
		return fmt.Errorf("failed to seed console user: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.New(cfg, database)
	return server.Start(ctx)
}

// seedConsoleUser guarantees an admin user exists on first boot and prints
// its API key exactly once.
func seedConsoleUser(repos *repositories.Repositories) error {
	_, err := repos.Users.GetByUsername("console")
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	if _, err := repos.Users.Create("console", true, &apiKey); err != nil {
		return err
	}
	logging.Info("created console user; api key: %s", apiKey)
	return nil
}
