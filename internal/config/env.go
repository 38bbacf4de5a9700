package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Environment variables that override the YAML file.
const (
	EnvPort       = "LANDPLOT_PORT"
	EnvSQLitePath = "LANDPLOT_SQLITE_PATH"
	EnvResolution = "LANDPLOT_RESOLUTION"
	EnvLogLevel   = "LOG_LEVEL"
	EnvLogFormat  = "LOG_FORMAT"
)

// LoadEnv loads environment variables from local .env files, if present.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = GetEnvInt(EnvPort, cfg.Server.Port)
	cfg.Sessions.SQLitePath = GetEnv(EnvSQLitePath, cfg.Sessions.SQLitePath)
	cfg.Grid.Resolution = GetEnvInt(EnvResolution, cfg.Grid.Resolution)
	cfg.Log.Level = GetEnv(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Format = GetEnv(EnvLogFormat, cfg.Log.Format)
}
