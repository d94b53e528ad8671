package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/syfpsy/nxyztask/database"
	"github.com/syfpsy/nxyztask/logging"
)

const devJWTSecret = "dev-secret-change-me"

// Config is the server configuration, read from the environment after an
// optional .env file.
type Config struct {
	Port        string
	DBDriver    string
	DatabaseURL string
	JWTSecret   string
	JWTTTL      time.Duration
	AdminEmails []string
	CORSOrigins []string
	StaticDir   string
	Log         logging.Options
}

// LoadConfig loads the .env file when it exists and reads the environment.
func LoadConfig(envFile string) (Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg := Config{
		Port:        getEnv("PORT", "3001"),
		DBDriver:    getEnv("DB_DRIVER", database.DriverSQLite),
		DatabaseURL: getEnv("DATABASE_URL", "./kanban.db"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		AdminEmails: splitList(os.Getenv("ADMIN_EMAILS")),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		StaticDir:   os.Getenv("STATIC_DIR"),
		Log: logging.Options{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
			File:   os.Getenv("LOG_FILE"),
		},
	}

	ttl, err := time.ParseDuration(getEnv("JWT_TTL", "168h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWT_TTL: %w", err)
	}
	cfg.JWTTTL = ttl

	switch cfg.DBDriver {
	case database.DriverSQLite, database.DriverPostgres:
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q", cfg.DBDriver)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
