// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (LUMA_* and DATABASE_URL / GEMINI_API_KEY)
//  2. Config file (~/.luma/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: generation model, embedder model and dimension, temperature
//   - Retrieval: chunk size/overlap, result limit, similarity threshold
//   - Storage: PostgreSQL connection (see storage.go)
//   - Server: HTTP listen address
//
// Sensitive data (API key, password) is never logged. Validation lives in
// validation.go with sentinel errors for errors.Is checks.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultModelName is the generation model used for moderation and synthesis.
	DefaultModelName = "gemini-2.5-flash"

	// DefaultEmbedderModel produces 768-dimension vectors, matching the
	// pgvector schema in db/migrations.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultEmbedderDimension must match the vector(N) column type.
	DefaultEmbedderDimension = 768

	// DefaultEmbedInterval is the minimum spacing between embedding calls in
	// a batch, as rate-limit courtesy to the provider.
	DefaultEmbedInterval = 300 * time.Millisecond
)

// Config stores application configuration.
type Config struct {
	// AI model configuration
	GeminiAPIKey      string  `mapstructure:"gemini_api_key"`
	ModelName         string  `mapstructure:"model_name"`
	EmbedderModel     string  `mapstructure:"embedder_model"`
	EmbedderDimension int     `mapstructure:"embedder_dimension"`
	Temperature       float32 `mapstructure:"temperature"`

	// Retrieval configuration
	ChunkSize           int           `mapstructure:"chunk_size"`
	ChunkOverlap        int           `mapstructure:"chunk_overlap"`
	EmbedInterval       time.Duration `mapstructure:"embed_interval"`
	EmbedWorkers        int           `mapstructure:"embed_workers"`
	RetrievalLimit      int           `mapstructure:"retrieval_limit"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`

	// PostgreSQL connection
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// HTTP server
	ServerAddr string `mapstructure:"server_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, config file and environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Config file is optional: missing file falls back to defaults + env.
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LUMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// GEMINI_API_KEY is the conventional variable for the provider SDK and
	// takes priority over the config file.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.GeminiAPIKey = key
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SlogLevel maps the configured level string to a slog.Level.
// Unknown values fall back to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedder_dimension", DefaultEmbedderDimension)
	v.SetDefault("temperature", 0.2)

	v.SetDefault("chunk_size", 1000)
	v.SetDefault("chunk_overlap", 200)
	v.SetDefault("embed_interval", DefaultEmbedInterval)
	v.SetDefault("embed_workers", 1)
	v.SetDefault("retrieval_limit", 5)
	v.SetDefault("similarity_threshold", 0.5)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "luma")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "luma")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("server_addr", "127.0.0.1:8080")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// configDir returns the luma configuration directory (~/.luma).
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".luma"), nil
}
