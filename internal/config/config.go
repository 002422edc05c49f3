package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the worker and API services
type Config struct {
	// NextBus provider
	Agency string
	APIURL string

	// Database. Either a file path (SQLite) or a postgres:// URL.
	DatabaseURL string

	// Worker
	DaySwitchTime            int           // seconds since midnight before a service-day rollover may happen
	PredictionUpdateInterval time.Duration // delay between prediction polls per route
	DuplicateArrivalWindow   time.Duration // two arrivals for the same scheduled arrival within this window are one
	SingleArrivalThreshold   int           // seconds; max distance to match against a lone scheduled arrival

	// API server
	ListenAddr         string
	CORSAllowedOrigins string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Agency: getEnv("AGENCY", "sf-muni"),
		APIURL: getEnv("API_URL", "https://retro.umoiq.com/service/publicJSONFeed"),

		DatabaseURL: getEnv("DATABASE_URL", "muni.db"),

		DaySwitchTime:            getEnvInt("DAY_SWITCH_TIME", 9000),
		PredictionUpdateInterval: time.Duration(getEnvInt("PREDICTION_UPDATE_SECONDS", 60)) * time.Second,
		DuplicateArrivalWindow:   time.Duration(getEnvInt("DUPLICATE_ARRIVAL_THRESHOLD", 300)) * time.Second,
		SingleArrivalThreshold:   getEnvInt("SINGLE_SCHEDULED_ARRIVAL_THRESHOLD", 1200),

		ListenAddr:         getEnv("LISTEN_ADDR", ":8000"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
