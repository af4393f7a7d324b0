// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package embedding turns query text into vectors with the same provider and
// model the remote embed stage used, so stored elements and queries live in
// one vector space.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/stage"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAI-compatible endpoints of the supported providers.
const (
	DashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	ArkBaseURL       = "https://ark.cn-beijing.volces.com/api/v3"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Endpoint returns the OpenAI-compatible base URL of provider.
func Endpoint(provider stage.EmbedProvider) (string, error) {
	switch provider {
	case stage.EmbedQwen:
		return DashScopeBaseURL, nil
	case stage.EmbedDoubao:
		return ArkBaseURL, nil
	default:
		return "", fmt.Errorf("%w: unknown embed provider %q", core.ErrConfiguration, provider)
	}
}

// Config selects the embedding model.
type Config struct {
	Embed stage.EmbedConfig
	// BaseURL overrides the provider endpoint.
	BaseURL string
	APIKey  string
	// Dimensions requests a vector size from models that support it.
	// Zero keeps the model default.
	Dimensions int
}

// OpenAIEmbedder implements Embedder using OpenAI-compatible embedding APIs.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	model    string
	logger   *slog.Logger
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// Option configures an OpenAIEmbedder.
type Option func(*OpenAIEmbedder) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *OpenAIEmbedder) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// New creates an embedder for cfg.Embed's provider and model.
func New(cfg Config, opts ...Option) (*OpenAIEmbedder, error) {
	if err := cfg.Embed.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("%w: dimensions must be >= 0, got %d", core.ErrConfiguration, cfg.Dimensions)
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		var err error
		if baseURL, err = Endpoint(cfg.Embed.Provider); err != nil {
			return nil, err
		}
	}

	// Local compatible services accept any token
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}

	clientOpts := []openai.Option{
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Embed.ModelName),
	}
	if cfg.Dimensions > 0 {
		clientOpts = append(clientOpts, openai.WithEmbeddingDimensions(cfg.Dimensions))
	}
	client, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding client: %w", core.ErrConfiguration, err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("%w: embedder: %w", core.ErrConfiguration, err)
	}

	e := &OpenAIEmbedder{
		embedder: embedder,
		model:    cfg.Embed.ModelName,
		logger:   slog.Default().With("component", "embedder"),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// EmbedText generates a vector embedding for a single text string.
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.logger.Debug("generating embedding for single text", "model", e.model, "length", len(text))

	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		e.logger.Error("failed to generate embedding", "model", e.model, "err", err)
		return nil, fmt.Errorf("%w: embed: %w", core.ErrTransport, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no vector", core.ErrTransport)
	}
	return vectors[0], nil
}

// EmbedTexts generates vector embeddings for multiple text strings in a batch.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("generating embeddings for texts", "model", e.model, "count", len(texts))

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("failed to generate embeddings", "model", e.model, "count", len(texts), "err", err)
		return nil, fmt.Errorf("%w: embed: %w", core.ErrTransport, err)
	}
	return vectors, nil
}
