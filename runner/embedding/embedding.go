// Package embedding generates dense vector embeddings from forwarded
// text payloads via an OpenAI-compatible /v1/embeddings endpoint. It
// works against hosted APIs and local services (Ollama, LocalAI) alike.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

// PluginID is the registry id of this plugin
const PluginID = "embedding"

// Config is the plugin settings block under settings.extra
type Config struct {
	// BaseURL of the OpenAI-compatible API, e.g. "http://localhost:11434/v1"
	BaseURL string `json:"base_url"`

	// Model name to request embeddings from
	Model string `json:"model"`

	// APIKey is optional; local services usually ignore it
	APIKey string `json:"api_key"`

	// VectorField names the index field the vector lands in.
	// Defaults to "vector_<model>".
	VectorField string `json:"vector_field"`

	// TimeoutSeconds bounds a single embeddings call. Defaults to 30.
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", errors.ErrMissingConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", errors.ErrMissingConfig)
	}
	return nil
}

func (c *Config) vectorField() string {
	if c.VectorField != "" {
		return c.VectorField
	}
	return "vector_" + strings.NewReplacer("/", "_", ":", "_").Replace(c.Model)
}

// Runner calls the embeddings endpoint for each work item's text
type Runner struct {
	cfg    Config
	client *openai.Client
	logger *slog.Logger
}

// New creates an embedding runner from plugin settings
func New(settings json.RawMessage, deps registry.Dependencies) (*Runner, error) {
	var cfg Config
	if err := json.Unmarshal(settings, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Embedding", "New", "settings decoding")
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Embedding", "New", "settings validation")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// local endpoints reject empty bearer tokens, not wrong ones
		apiKey = "dummy-key"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = cfg.BaseURL
	if deps.HTTPClient != nil {
		clientConfig.HTTPClient = deps.HTTPClient
	} else {
		clientConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}, nil
}

// chainedPayload is the shape upstream text processors forward
type chainedPayload struct {
	Plaintext string `json:"plaintext"`
	Fulltext  string `json:"fulltext"`
}

// Run implements runner.Runner
func (r *Runner) Run(ctx context.Context, in *runner.Input) (*runner.Output, error) {
	text, err := extractText(in)
	if err != nil {
		return nil, err
	}
	if text == "" {
		// nothing to embed is a no-op, not an error
		return &runner.Output{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	resp, err := r.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(r.cfg.Model),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Embedding", "Run", "embeddings request")
	}
	if len(resp.Data) != 1 {
		return nil, errors.WrapTransient(
			fmt.Errorf("expected 1 embedding, got %d", len(resp.Data)),
			"Embedding", "Run", "response validation")
	}

	vec := resp.Data[0].Embedding
	r.logger.Debug("embedding generated",
		"model", r.cfg.Model, "chars", len(text), "dimensions", len(vec))

	return &runner.Output{
		Indexable: &runner.Indexable{
			Plaintext: text,
			Vectors:   map[string][]float32{r.cfg.vectorField(): vec},
		},
	}, nil
}

// extractText pulls the text to embed out of the forwarded payload.
// Accepts the chained JSON object from upstream processors or a bare
// JSON string.
func extractText(in *runner.Input) (string, error) {
	if in == nil || in.JSON == nil || len(in.JSON.Raw) == 0 {
		return "", errors.WrapInvalid(errors.ErrInvalidPayload, "Embedding", "Run", "input validation")
	}

	var payload chainedPayload
	if err := json.Unmarshal(in.JSON.Raw, &payload); err == nil {
		if payload.Plaintext != "" {
			return strings.TrimSpace(payload.Plaintext), nil
		}
		if payload.Fulltext != "" {
			return strings.TrimSpace(payload.Fulltext), nil
		}
	}

	var bare string
	if err := json.Unmarshal(in.JSON.Raw, &bare); err == nil {
		return strings.TrimSpace(bare), nil
	}

	return "", errors.WrapInvalid(
		fmt.Errorf("%w: payload carries no plaintext or fulltext", errors.ErrInvalidPayload),
		"Embedding", "Run", "payload extraction")
}

// Register adds the embedding plugin to the registry
func Register(reg *registry.Registry) error {
	return reg.Register(&registry.Registration{
		Definition: registry.Definition{
			ID:            PluginID,
			InputType:     registry.InputJSON,
			InputProperty: "json",
			InputArgument: "sequence_number",
			OutputType:    "vector",
			Description:   "Generates vector embeddings from extracted text via an OpenAI-compatible API",
		},
		Factory: func(settings json.RawMessage, deps registry.Dependencies) (runner.Runner, error) {
			return New(settings, deps)
		},
	})
}
