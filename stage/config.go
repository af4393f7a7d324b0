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


package stage

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/poiesic/docflow/core"
)

// ParseProvider selects the remote parser.
type ParseProvider string

// ParseProviderTextin is currently the only parser the service offers.
const ParseProviderTextin ParseProvider = "textin"

// ChunkStrategy selects how parsed elements are grouped into chunks.
type ChunkStrategy string

const (
	ChunkBasic   ChunkStrategy = "basic"
	ChunkByTitle ChunkStrategy = "by_title"
	ChunkByPage  ChunkStrategy = "by_page"
)

// EmbedProvider selects the embedding vendor.
type EmbedProvider string

const (
	EmbedQwen   EmbedProvider = "qwen"
	EmbedDoubao EmbedProvider = "doubao"
)

// providerModels is the allow-list of embedding models per provider.
var providerModels = map[EmbedProvider][]string{
	EmbedQwen:   {"text-embedding-v3", "text-embedding-v4"},
	EmbedDoubao: {"doubao-embedding-large-text-250515", "doubao-embedding-text-240715"},
}

// Providers returns the supported embed providers in sorted order.
func Providers() []EmbedProvider {
	out := make([]EmbedProvider, 0, len(providerModels))
	for p := range providerModels {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Models returns the models registered for provider, or nil.
func Models(provider EmbedProvider) []string {
	return slices.Clone(providerModels[provider])
}

// ParseConfig configures the parse stage.
type ParseConfig struct {
	Provider ParseProvider `json:"provider" mapstructure:"provider"`
}

// DefaultParseConfig returns the parse stage defaults.
func DefaultParseConfig() ParseConfig {
	return ParseConfig{Provider: ParseProviderTextin}
}

// Validate checks the parse provider.
func (c ParseConfig) Validate() error {
	if c.Provider != ParseProviderTextin {
		return fmt.Errorf("%w: unsupported parse provider %q", core.ErrValidation, c.Provider)
	}
	return nil
}

// ChunkConfig configures the chunk stage.
type ChunkConfig struct {
	Strategy            ChunkStrategy `json:"strategy" mapstructure:"strategy"`
	IncludeOrigElements bool          `json:"include_orig_elements" mapstructure:"include_orig_elements"`
	NewAfterNChars      int           `json:"new_after_n_chars" mapstructure:"new_after_n_chars"`
	MaxCharacters       int           `json:"max_characters" mapstructure:"max_characters"`
	Overlap             int           `json:"overlap" mapstructure:"overlap"`
}

// DefaultChunkConfig returns the chunk stage defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Strategy:            ChunkBasic,
		IncludeOrigElements: false,
		NewAfterNChars:      512,
		MaxCharacters:       1024,
		Overlap:             0,
	}
}

// Validate checks strategy and size bounds.
//
// Validation rules:
//   - Strategy must be basic, by_title or by_page
//   - NewAfterNChars >= 0, Overlap >= 0, MaxCharacters > 0
//   - Overlap < MaxCharacters
func (c ChunkConfig) Validate() error {
	switch c.Strategy {
	case ChunkBasic, ChunkByTitle, ChunkByPage:
	default:
		return fmt.Errorf("%w: unsupported chunk strategy %q", core.ErrValidation, c.Strategy)
	}
	if c.NewAfterNChars < 0 {
		return fmt.Errorf("%w: new_after_n_chars must be >= 0, got %d", core.ErrValidation, c.NewAfterNChars)
	}
	if c.MaxCharacters <= 0 {
		return fmt.Errorf("%w: max_characters must be > 0, got %d", core.ErrValidation, c.MaxCharacters)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap must be >= 0, got %d", core.ErrValidation, c.Overlap)
	}
	if c.Overlap >= c.MaxCharacters {
		return fmt.Errorf("%w: overlap (%d) must be less than max_characters (%d)",
			core.ErrValidation, c.Overlap, c.MaxCharacters)
	}
	return nil
}

// EmbedConfig configures the embed stage.
type EmbedConfig struct {
	Provider  EmbedProvider `json:"provider" mapstructure:"provider"`
	ModelName string        `json:"model_name" mapstructure:"model_name"`
}

// DefaultEmbedConfig returns the embed stage defaults.
func DefaultEmbedConfig() EmbedConfig {
	return EmbedConfig{Provider: EmbedQwen, ModelName: "text-embedding-v3"}
}

// Validate checks that the model is registered for the provider.
func (c EmbedConfig) Validate() error {
	models, ok := providerModels[c.Provider]
	if !ok {
		return fmt.Errorf("%w: unsupported embed provider %q, supported: %v",
			core.ErrValidation, c.Provider, Providers())
	}
	if !slices.Contains(models, c.ModelName) {
		return fmt.Errorf("%w: provider %q does not support model %q, supported: %v",
			core.ErrValidation, c.Provider, c.ModelName, models)
	}
	return nil
}

// Type names a remote stage.
type Type string

const (
	TypeParse Type = "parse"
	TypeChunk Type = "chunk"
	TypeEmbed Type = "embed"
)

// Descriptor is the remote representation of one stage.
type Descriptor struct {
	Type   Type            `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Set bundles the three stage configs in execution order.
type Set struct {
	Parse ParseConfig
	Chunk ChunkConfig
	Embed EmbedConfig
}

// DefaultSet returns defaults for all three stages.
func DefaultSet() Set {
	return Set{
		Parse: DefaultParseConfig(),
		Chunk: DefaultChunkConfig(),
		Embed: DefaultEmbedConfig(),
	}
}

// Validate validates every stage, parse first.
func (s Set) Validate() error {
	if err := s.Parse.Validate(); err != nil {
		return err
	}
	if err := s.Chunk.Validate(); err != nil {
		return err
	}
	return s.Embed.Validate()
}

// Descriptors returns the ordered stage list: parse, chunk, embed.
// Each stage consumes the previous stage's output, so order is fixed.
func (s Set) Descriptors() ([]Descriptor, error) {
	configs := []struct {
		typ Type
		cfg any
	}{
		{TypeParse, s.Parse},
		{TypeChunk, s.Chunk},
		{TypeEmbed, s.Embed},
	}

	out := make([]Descriptor, 0, len(configs))
	for _, c := range configs {
		raw, err := json.Marshal(c.cfg)
		if err != nil {
			return nil, fmt.Errorf("encode %s config: %w", c.typ, err)
		}
		out = append(out, Descriptor{Type: c.typ, Config: raw})
	}
	return out, nil
}

// Encode returns the JSON value of the "stages" form field.
func (s Set) Encode() (string, error) {
	descriptors, err := s.Descriptors()
	if err != nil {
		return "", err
	}
	bs, err := json.Marshal(descriptors)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

// DecodeSet parses a "stages" field back into a Set.
// The stages must appear exactly once each, in parse, chunk, embed order.
func DecodeSet(stages string) (Set, error) {
	var descriptors []Descriptor
	if err := json.Unmarshal([]byte(stages), &descriptors); err != nil {
		return Set{}, fmt.Errorf("%w: decode stages: %w", core.ErrConfiguration, err)
	}

	order := []Type{TypeParse, TypeChunk, TypeEmbed}
	if len(descriptors) != len(order) {
		return Set{}, fmt.Errorf("%w: expected %d stages, got %d", core.ErrConfiguration, len(order), len(descriptors))
	}

	var set Set
	targets := []any{&set.Parse, &set.Chunk, &set.Embed}
	for i, d := range descriptors {
		if d.Type != order[i] {
			return Set{}, fmt.Errorf("%w: stage %d is %q, want %q", core.ErrConfiguration, i, d.Type, order[i])
		}
		if err := json.Unmarshal(d.Config, targets[i]); err != nil {
			return Set{}, fmt.Errorf("%w: decode %s config: %w", core.ErrConfiguration, d.Type, err)
		}
	}
	return set, nil
}

// toMap returns the remote representation of cfg as a generic map.
func toMap(cfg any) map[string]any {
	bs, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(bs, &out); err != nil {
		return nil
	}
	return out
}
