package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"foreman/internal/auth"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/db/repositories"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their API keys",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userCreateAdmin bool

func init() {
	userCreateCmd.Flags().BoolVar(&userCreateAdmin, "admin", false, "grant admin privileges")
	userCmd.AddCommand(userCreateCmd)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	repos, cleanup, err := openRepos()
	if err != nil {
		return err
	}
	defer cleanup()

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	user, err := repos.Users.Create(args[0], userCreateAdmin, &apiKey)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("created user %s (id %d)\napi key: %s\n", user.Username, user.ID, apiKey)
	return nil
}

// openRepos opens the configured database with migrations applied, for
// one-shot CLI commands.
func openRepos() (*repositories.Repositories, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return repositories.New(database), func() { database.Close() }, nil
}
