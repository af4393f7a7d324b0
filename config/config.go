// Package config loads the docflow run configuration from YAML or a plain
// map, applying defaults, ${ENV} expansion and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/stage"
	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceS3    = "s3"
	SourceLocal = "local"
	SourceFTP   = "ftp"
)

// Destination types.
const (
	DestinationMilvus = "milvus"
	DestinationZilliz = "zilliz"
	DestinationLocal  = "local"
	DestinationBadger = "badger"
)

const (
	DefaultRegion         = "us-east-1"
	DefaultPattern        = "*"
	DefaultFTPPort        = 21
	DefaultAttempts       = stage.DefaultAttempts
	DefaultRetryDelay     = stage.DefaultRetryDelay
	DefaultRequestTimeout = stage.DefaultTimeout
	DefaultFilePause      = time.Second
)

// Config is the full run configuration.
type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`

	APIBaseURL string            `mapstructure:"api_base_url" validate:"required,url"`
	APIHeaders map[string]string `mapstructure:"api_headers"`

	ParseConfig stage.ParseConfig `mapstructure:"parse_config"`
	ChunkConfig stage.ChunkConfig `mapstructure:"chunk_config"`
	EmbedConfig stage.EmbedConfig `mapstructure:"embed_config"`

	Retry          RetryConfig   `mapstructure:"retry"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	FilePause      time.Duration `mapstructure:"file_pause" validate:"gte=0"`

	// Embedding configures query embedding for search.
	Embedding EmbeddingConfig `mapstructure:"embedding"`
}

// SourceConfig selects and configures the document source. Fields not used
// by Type are ignored.
type SourceConfig struct {
	Type string `mapstructure:"type" validate:"required"`

	// s3
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Type s3"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`

	// local and ftp
	Directory string `mapstructure:"directory" validate:"required_if=Type local"`
	Pattern   string `mapstructure:"pattern"`

	// ftp
	Host     string `mapstructure:"host" validate:"required_if=Type ftp"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DestinationConfig selects and configures where results go.
type DestinationConfig struct {
	Type string `mapstructure:"type" validate:"required"`

	// milvus and zilliz
	DBPath         string `mapstructure:"db_path" validate:"required_if=Type milvus,required_if=Type zilliz"`
	CollectionName string `mapstructure:"collection_name" validate:"required_if=Type milvus,required_if=Type zilliz"`
	Dimension      int    `mapstructure:"dimension" validate:"gte=0"`
	APIKey         string `mapstructure:"api_key"`
	Token          string `mapstructure:"token"`

	// local
	OutputDir string `mapstructure:"output_dir" validate:"required_if=Type local"`

	// badger
	Path string `mapstructure:"path" validate:"required_if=Type badger"`
}

// RetryConfig bounds calls to the remote pipeline.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=1"`
	Delay    time.Duration `mapstructure:"delay" validate:"gte=0"`
}

// EmbeddingConfig reaches the provider's OpenAI-compatible embedding API.
type EmbeddingConfig struct {
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions" validate:"gte=0"`
}

// Default returns a configuration with every optional field at its default.
// Source and destination types are left empty.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Region:  DefaultRegion,
			Pattern: DefaultPattern,
			Port:    DefaultFTPPort,
		},
		APIBaseURL:     stage.DefaultBaseURL,
		APIHeaders:     map[string]string{},
		ParseConfig:    stage.DefaultParseConfig(),
		ChunkConfig:    stage.DefaultChunkConfig(),
		EmbedConfig:    stage.DefaultEmbedConfig(),
		Retry:          RetryConfig{Attempts: DefaultAttempts, Delay: DefaultRetryDelay},
		RequestTimeout: DefaultRequestTimeout,
		FilePause:      DefaultFilePause,
	}
}

// Stages returns the stage configuration set.
func (c *Config) Stages() stage.Set {
	return stage.Set{Parse: c.ParseConfig, Chunk: c.ChunkConfig, Embed: c.EmbedConfig}
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", core.ErrConfiguration, path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", core.ErrConfiguration, err)
	}
	return FromMap(raw)
}

// FromMap decodes raw over the defaults, expands ${ENV} references in string
// values and validates the result.
func FromMap(raw map[string]any) (*Config, error) {
	cfg := Default()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			expandEnvHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", core.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvHook substitutes environment variables in every string value.
func expandEnvHook(from reflect.Type, _ reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if !ok || from.Kind() != reflect.String {
		return data, nil
	}
	return os.ExpandEnv(s), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks source and destination types, required fields and stage
// configuration.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case SourceS3, SourceLocal, SourceFTP:
	case "":
		return fmt.Errorf("%w: source.type is required", core.ErrConfiguration)
	default:
		return fmt.Errorf("%w: unknown source type %q", core.ErrConfiguration, c.Source.Type)
	}

	switch c.Destination.Type {
	case DestinationMilvus, DestinationZilliz, DestinationLocal, DestinationBadger:
	case "":
		return fmt.Errorf("%w: destination.type is required", core.ErrConfiguration)
	default:
		return fmt.Errorf("%w: unknown destination type %q", core.ErrConfiguration, c.Destination.Type)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", core.ErrConfiguration, describe(err))
	}

	if c.IsVectorDestination() && c.Destination.Dimension <= 0 {
		return fmt.Errorf("%w: destination.dimension must be > 0 for %s", core.ErrConfiguration, c.Destination.Type)
	}

	return c.Stages().Validate()
}

// IsVectorDestination reports whether the destination is Milvus or Zilliz.
func (c *Config) IsVectorDestination() bool {
	return c.Destination.Type == DestinationMilvus || c.Destination.Type == DestinationZilliz
}

func describe(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
