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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/poiesic/docflow/core"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

const (
	// DefaultAttempts is the number of calls made per file before giving up.
	DefaultAttempts = 3
	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = 2 * time.Second
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 120 * time.Second
	// DefaultBaseURL is the service address used when none is configured.
	DefaultBaseURL = "http://localhost:8000/api/xparse"

	pipelinePath = "/pipeline"
	successCode  = 200
	fileField    = "file"
	stagesField  = "stages"
)

// Result is the output of a successful invocation.
type Result struct {
	Elements []core.Element
	Stats    *core.PipelineStats
}

// AttemptObserver is notified after every call to the service.
// err is nil when the attempt produced a usable result.
type AttemptObserver interface {
	AttemptFinished(name string, attempt int, elapsed time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) AttemptFinished(string, int, time.Duration, error) {}

// Invoker runs the parse, chunk and embed stages for one file at a time.
// It is safe for concurrent use.
type Invoker struct {
	baseURL    string
	stages     Set
	encoded    string
	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
	headers    map[string]string
	client     *resty.Client
	observer   AttemptObserver
	logger     *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker) error

// WithAttempts sets the number of calls made per file.
func WithAttempts(n int) Option {
	return func(i *Invoker) error {
		if n < 1 {
			return fmt.Errorf("%w: attempts must be >= 1, got %d", core.ErrConfiguration, n)
		}
		i.attempts = n
		return nil
	}
}

// WithRetryDelay sets the fixed pause between attempts. Zero disables the pause.
func WithRetryDelay(d time.Duration) Option {
	return func(i *Invoker) error {
		if d < 0 {
			return fmt.Errorf("%w: retry delay must be >= 0, got %s", core.ErrConfiguration, d)
		}
		i.retryDelay = d
		return nil
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0, got %s", core.ErrConfiguration, d)
		}
		i.timeout = d
		return nil
	}
}

// WithHeaders adds headers sent with every request.
func WithHeaders(headers map[string]string) Option {
	return func(i *Invoker) error {
		maps.Copy(i.headers, headers)
		return nil
	}
}

// WithObserver sets the attempt observer.
func WithObserver(observer AttemptObserver) Option {
	return func(i *Invoker) error {
		if observer != nil {
			i.observer = observer
		}
		return nil
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(i *Invoker) error {
		if hc == nil {
			return fmt.Errorf("%w: http client is nil", core.ErrConfiguration)
		}
		i.client = resty.NewWithClient(hc)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) error {
		if logger != nil {
			i.logger = logger
		}
		return nil
	}
}

// NewInvoker creates an invoker for the service at baseURL.
// The stage set is validated before anything touches the network.
func NewInvoker(baseURL string, stages Set, opts ...Option) (*Invoker, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, ErrBaseURLRequired)
	}
	if err := stages.Validate(); err != nil {
		return nil, err
	}
	encoded, err := stages.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}

	i := &Invoker{
		baseURL:    baseURL,
		stages:     stages,
		encoded:    encoded,
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultTimeout,
		headers:    make(map[string]string),
		observer:   noopObserver{},
		logger:     slog.Default().With("component", "stage_invoker"),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	if i.client == nil {
		i.client = resty.New()
	}
	i.client.SetTimeout(i.timeout).SetHeaders(i.headers)
	return i, nil
}

// Stages returns the stage set sent with every request.
func (i *Invoker) Stages() Set {
	return i.stages
}

// Endpoint returns the full pipeline URL.
func (i *Invoker) Endpoint() string {
	return i.baseURL + pipelinePath
}

// Invoke sends content through the remote stages.
// Empty content is still sent. Transport errors, non-200 statuses and bodies
// that are not JSON are retried. A JSON reply with an unexpected envelope
// ends the invocation after that attempt. The returned error wraps
// ErrInvocationFailed and the last cause.
func (i *Invoker) Invoke(ctx context.Context, content []byte, name string) (*Result, error) {
	attempt := 0
	result, err := retry.DoValue(ctx, i.backoff(), func(ctx context.Context) (*Result, error) {
		attempt++
		start := time.Now()
		res, err := i.call(ctx, content, name)
		i.observer.AttemptFinished(name, attempt, time.Since(start), err)
		if err != nil {
			i.logger.Warn("pipeline call failed",
				"file", name,
				"attempt", attempt,
				"max_attempts", i.attempts,
				"err", err)
			if ctx.Err() != nil || !retryable(err) {
				return nil, err
			}
			return nil, retry.RetryableError(err)
		}
		return res, nil
	})
	if err != nil {
		i.logger.Error("pipeline invocation gave up", "file", name, "attempts", attempt, "err", err)
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrInvocationFailed, name, attempt, err)
	}

	i.logger.Debug("pipeline invocation succeeded",
		"file", name,
		"attempts", attempt,
		"original", result.Stats.OriginalElements,
		"chunked", result.Stats.ChunkedElements,
		"embedded", result.Stats.EmbeddedElements)
	return result, nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrMalformedResponse) || errors.Is(err, errUndecodable)
}

// backoff builds a fresh constant backoff; backoffs are stateful.
func (i *Invoker) backoff() retry.Backoff {
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return 0, false
	})
	if i.retryDelay > 0 {
		b = retry.NewConstant(i.retryDelay)
	}
	return retry.WithMaxRetries(uint64(i.attempts-1), b)
}

func (i *Invoker) call(ctx context.Context, content []byte, name string) (*Result, error) {
	contentType := mimetype.Detect(content).String()

	resp, err := i.client.R().
		SetContext(ctx).
		SetMultipartField(fileField, name, contentType, bytes.NewReader(content)).
		SetFormData(map[string]string{stagesField: i.encoded}).
		Post(i.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", core.ErrTransport, resp.StatusCode())
	}
	return i.decode(resp.Body())
}

func (i *Invoker) decode(body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, errUndecodable)
	}

	code := gjson.GetBytes(body, "code")
	if !code.Exists() {
		return nil, fmt.Errorf("%w: missing code", ErrMalformedResponse)
	}
	if code.Int() != successCode {
		msg := gjson.GetBytes(body, "message").String()
		return nil, fmt.Errorf("%w: code %s: %s", ErrMalformedResponse, code.Raw, msg)
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	rawElements := data.Get("elements")
	if !rawElements.IsArray() {
		return nil, fmt.Errorf("%w: missing data.elements", ErrMalformedResponse)
	}
	rawStats := data.Get("stats")
	if !rawStats.IsObject() {
		return nil, fmt.Errorf("%w: missing data.stats", ErrMalformedResponse)
	}

	var elements []core.Element
	if err := json.Unmarshal([]byte(rawElements.Raw), &elements); err != nil {
		return nil, fmt.Errorf("%w: decode elements: %w", ErrMalformedResponse, err)
	}
	if err := core.ValidateElements(elements); err != nil {
		return nil, errors.Join(ErrMalformedResponse, err)
	}

	stats := &core.PipelineStats{
		StageCounts: core.StageCounts{
			OriginalElements: int(rawStats.Get("original_elements").Int()),
			ChunkedElements:  int(rawStats.Get("chunked_elements").Int()),
			EmbeddedElements: int(rawStats.Get("embedded_elements").Int()),
		},
		ParseConfig: toMap(i.stages.Parse),
		ChunkConfig: toMap(i.stages.Chunk),
		EmbedConfig: toMap(i.stages.Embed),
	}
	return &Result{Elements: elements, Stats: stats}, nil
}
