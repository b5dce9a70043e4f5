// Package gemini wraps the Gemini provider SDK for text generation and
// embeddings.
//
// The client surfaces provider failures wrapped in ErrProvider so callers
// can distinguish them from local errors with errors.Is. It performs no
// retries: retry policy belongs to the caller, which knows whether a stage
// may fail closed, degrade, or propagate.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ErrProvider indicates a failed call to the Gemini API (network, quota,
// malformed response). Wrapped around the underlying SDK error.
var ErrProvider = errors.New("gemini provider error")

// ErrEmptyEmbedding indicates the provider returned no embedding values.
var ErrEmptyEmbedding = errors.New("empty embedding response")

// ErrDimensionMismatch indicates the provider returned a vector whose length
// does not match the configured embedding dimension. This is a configuration
// error, not a runtime-recoverable one.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

const systemInstruction = "You are a helpful assistant."

// Config holds client construction parameters. Values come from
// config.Config; see internal/config for defaults and validation.
type Config struct {
	APIKey        string
	Model         string
	EmbedderModel string
	Dimension     int
	Temperature   float32

	// EmbedInterval is the enforced minimum spacing between embedding calls
	// within a batch. Zero disables pacing (tests).
	EmbedInterval time.Duration

	// EmbedWorkers bounds batch embedding concurrency. The default of 1
	// preserves strictly sequential provider calls.
	EmbedWorkers int
}

// Client is a thin wrapper over the Gemini SDK.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	genc        *genai.Client
	model       string
	embedModel  string
	dimension   int32
	temperature float32
	limiter     *rate.Limiter
	pool        *ants.Pool
	logger      *slog.Logger
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	genc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	workers := cfg.EmbedWorkers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating embed worker pool: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.EmbedInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.EmbedInterval), 1)
	}

	return &Client{
		genc:        genc,
		model:       cfg.Model,
		embedModel:  cfg.EmbedderModel,
		dimension:   int32(cfg.Dimension), // #nosec G115 -- validated positive, config caps at schema width
		temperature: cfg.Temperature,
		limiter:     limiter,
		pool:        pool,
		logger:      logger,
	}, nil
}

// Close releases the embed worker pool.
func (c *Client) Close() {
	c.pool.Release()
}

// EmbedText generates an embedding vector for a single text.
// Provider errors are returned verbatim, wrapped in ErrProvider.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	dim := c.dimension
	resp, err := c.genc.Models.EmbedContent(ctx, c.embedModel, genai.Text(text), &genai.EmbedContentConfig{
		TaskType:             "SEMANTIC_SIMILARITY",
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w: %w", ErrProvider, err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}

	values := resp.Embeddings[0].Values
	if len(values) != int(c.dimension) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(values), c.dimension)
	}
	return values, nil
}

// EmbedBatch generates embeddings for multiple texts through the bounded
// worker pool, with the configured minimum spacing between provider calls.
// Result order matches input order. An error on any call aborts the whole
// batch: callers needing partial-success semantics must split the batch
// themselves.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	vectors := make([][]float32, len(texts))

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, text := range texts {
		wg.Add(1)
		submitErr := c.pool.Submit(func() {
			defer wg.Done()

			if err := c.limiter.Wait(batchCtx); err != nil {
				fail(err)
				return
			}

			vec, err := c.EmbedText(batchCtx, text)
			if err != nil {
				fail(err)
				return
			}
			vectors[i] = vec
		})
		if submitErr != nil {
			wg.Done()
			fail(fmt.Errorf("submitting embed task: %w", submitErr))
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	c.logger.Debug("embedded batch", "count", len(texts))
	return vectors, nil
}

// Generate produces a complete answer for the given prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.genc.Models.GenerateContent(ctx, c.model, genai.Text(prompt), c.generateConfig())
	if err != nil {
		return "", fmt.Errorf("generating content: %w: %w", ErrProvider, err)
	}

	text := resp.Text()
	c.logger.Debug("generated response", "prompt_length", len(prompt), "response_length", len(text))
	return text, nil
}

// GenerateStream produces an answer as a sequence of text fragments.
// Iteration stops on the first error; the error is yielded wrapped in
// ErrProvider.
func (c *Client) GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range c.genc.Models.GenerateContentStream(ctx, c.model, genai.Text(prompt), c.generateConfig()) {
			if err != nil {
				yield("", fmt.Errorf("streaming content: %w: %w", ErrProvider, err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) generateConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
	}
}
