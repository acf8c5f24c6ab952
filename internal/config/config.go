package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DatabaseURL string
	Host        string
	Port        int
	LogLevel    string
	AutoMigrate bool

	// Reaper tuning
	ReaperIntervalSeconds   int
	AbandonedStepAgeMinutes int
	RetryCooldownMinutes    int
	RunTimeoutMinutes       int

	// Run archiving
	ArchiveEnabled    bool
	ArchiveDelayHours int

	// Story parsing
	MaxStoriesPerRun int
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		Host:                    getEnvOrDefault("HOST", "0.0.0.0"),
		Port:                    getEnvIntOrDefault("PORT", 3000),
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
		AutoMigrate:             getEnvBoolOrDefault("AUTO_MIGRATE", true),
		ReaperIntervalSeconds:   getEnvIntOrDefault("REAPER_INTERVAL_SECONDS", 60),
		AbandonedStepAgeMinutes: getEnvIntOrDefault("ABANDONED_STEP_AGE_MINUTES", 15),
		RetryCooldownMinutes:    getEnvIntOrDefault("RETRY_COOLDOWN_MINUTES", 5),
		RunTimeoutMinutes:       getEnvIntOrDefault("RUN_TIMEOUT_MINUTES", 60),
		ArchiveEnabled:          getEnvBoolOrDefault("ARCHIVE_ENABLED", false),
		ArchiveDelayHours:       getEnvIntOrDefault("ARCHIVE_DELAY_HOURS", 24),
		MaxStoriesPerRun:        getEnvIntOrDefault("MAX_STORIES_PER_RUN", 20),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
