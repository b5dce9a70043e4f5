package config

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for configuration validation.
// Check with errors.Is.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the Gemini API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidEmbedderModel indicates the embedder model is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedderDimension indicates the embedder dimension does not
	// match what the vector schema can store.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidChunking indicates chunk size/overlap values are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidRetrieval indicates retrieval limit or threshold is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for consistency.
// The API key is intentionally not required here: commands that never touch
// the provider (migrate, version) must work without one. RequireAPIKey
// performs that check for serving/ingesting commands.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v not in [0, 2]", ErrInvalidTemperature, c.Temperature)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedderDimension <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEmbedderDimension, c.EmbedderDimension)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be in [0, chunk size)", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.EmbedWorkers < 1 {
		return fmt.Errorf("%w: embed workers %d must be at least 1", ErrInvalidRetrieval, c.EmbedWorkers)
	}
	if c.RetrievalLimit < 1 {
		return fmt.Errorf("%w: retrieval limit %d must be at least 1", ErrInvalidRetrieval, c.RetrievalLimit)
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("%w: similarity threshold %v not in [-1, 1)", ErrInvalidRetrieval, c.SimilarityThreshold)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}

// RequireAPIKey verifies that a Gemini API key is configured.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}
