package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/destination"
	"github.com/poiesic/docflow/source"
	"github.com/poiesic/docflow/stage"
)

// DefaultFilePause is the pause between consecutive files.
const DefaultFilePause = time.Second

// Invoker runs the remote stages for a single file.
// *stage.Invoker is the production implementation.
type Invoker interface {
	Invoke(ctx context.Context, content []byte, name string) (*stage.Result, error)
	Stages() stage.Set
}

var _ Invoker = (*stage.Invoker)(nil)

// Pipeline moves source items through the remote stages into a destination.
type Pipeline struct {
	source      source.Source
	destination destination.Destination
	invoker     Invoker
	filePause   time.Duration
	workers     int
	clock       Clock
	monitor     Monitor
	progress    io.Writer
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithFilePause sets the pause between files. Zero disables it.
func WithFilePause(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d < 0 {
			return fmt.Errorf("%w: file pause must be >= 0, got %s", core.ErrConfiguration, d)
		}
		p.filePause = d
		return nil
	}
}

// WithMonitor sets the run monitor.
func WithMonitor(monitor Monitor) Option {
	return func(p *Pipeline) error {
		if monitor != nil {
			p.monitor = monitor
		}
		return nil
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(p *Pipeline) error {
		if clock != nil {
			p.clock = clock
		}
		return nil
	}
}

// WithWorkers processes up to n files at once. With n > 1 files may finish
// out of enumeration order and the pause between files is skipped.
// Default is 1.
func WithWorkers(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			return fmt.Errorf("%w: workers must be >= 1, got %d", core.ErrConfiguration, n)
		}
		p.workers = n
		return nil
	}
}

// WithProgress reports run progress to w.
func WithProgress(w io.Writer) Option {
	return func(p *Pipeline) error {
		p.progress = w
		return nil
	}
}

// NewPipeline creates a new pipeline. The invoker's stage configuration is
// validated here so a bad provider and model pairing fails before any file
// is read.
func NewPipeline(src source.Source, dst destination.Destination, invoker Invoker, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, ErrSourceRequired
	}
	if dst == nil {
		return nil, ErrDestinationRequired
	}
	if invoker == nil {
		return nil, ErrInvokerRequired
	}
	if err := invoker.Stages().Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		source:      src,
		destination: dst,
		invoker:     invoker,
		filePause:   DefaultFilePause,
		workers:     1,
		clock:       realClock{},
		monitor:     &noopMonitor{},
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	stages := invoker.Stages()
	p.logger.Info("pipeline ready",
		"parse_provider", stages.Parse.Provider,
		"chunk_strategy", stages.Chunk.Strategy,
		"max_characters", stages.Chunk.MaxCharacters,
		"embed_provider", stages.Embed.Provider,
		"embed_model", stages.Embed.ModelName,
		"workers", p.workers)
	return p, nil
}

// ProcessFile reads, invokes and writes a single item. It never panics;
// every failure is reported in the outcome together with the state in which
// it happened.
func (p *Pipeline) ProcessFile(ctx context.Context, key string) (outcome core.FileOutcome) {
	start := p.clock.Now()
	outcome = core.FileOutcome{Key: key, State: core.StatePending}
	p.monitor.FileStarted(key)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrPanic, r)
			outcome = p.fail(outcome, err)
		}
		outcome.Duration = p.clock.Now().Sub(start)
		p.monitor.FileFinished(outcome)
	}()

	outcome = p.transition(outcome, core.StateReading)
	content, err := p.source.Read(ctx, key)
	if err != nil {
		return p.fail(outcome, err)
	}

	outcome = p.transition(outcome, core.StateInvoking)
	result, err := p.invoker.Invoke(ctx, content, key)
	if err != nil {
		return p.fail(outcome, err)
	}

	outcome = p.transition(outcome, core.StateWriting)
	meta := core.NewWriteMetadata(key, result.Elements, result.Stats, content, p.clock.Now())
	ok, err := p.destination.Write(ctx, result.Elements, meta)
	if err != nil {
		return p.fail(outcome, err)
	}
	if !ok {
		return p.fail(outcome, ErrWriteRejected)
	}

	outcome.Stats = result.Stats
	outcome = p.transition(outcome, core.StateSucceeded)
	return outcome
}

func (p *Pipeline) transition(outcome core.FileOutcome, state core.FileState) core.FileOutcome {
	outcome.State = state
	p.logger.Info("file state changed", "file", outcome.Key, "state", state)
	p.monitor.StateChanged(outcome.Key, state)
	return outcome
}

func (p *Pipeline) fail(outcome core.FileOutcome, err error) core.FileOutcome {
	failedIn := outcome.State
	outcome.Err = core.NewFileError(outcome.Key, failedIn, err)
	outcome.Stats = nil
	outcome.State = core.StateFailed
	p.logger.Error("file failed", "file", outcome.Key, "state", failedIn, "err", err)
	p.monitor.StateChanged(outcome.Key, core.StateFailed)
	return outcome
}

// Run lists the source once and processes every item. A listing error
// aborts the run before any file is touched. When ctx is canceled the run
// stops between files and returns the partial summary with ctx.Err().
func (p *Pipeline) Run(ctx context.Context) (*core.RunSummary, error) {
	start := p.clock.Now()

	keys, err := p.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source: %w", err)
	}

	summary := &core.RunSummary{Total: len(keys)}
	p.monitor.RunStarted(len(keys))
	p.logger.Info("run started", "files", len(keys))

	if len(keys) == 0 {
		p.logger.Warn("source has no files")
		p.monitor.RunFinished(summary)
		return summary, nil
	}

	var tracker *ProgressTracker
	if p.progress != nil {
		tracker = NewProgressTracker(p.progress, len(keys), 1)
		tracker.Start()
	}

	if p.workers > 1 {
		err = p.runPooled(ctx, keys, summary, tracker)
	} else {
		err = p.runSequential(ctx, keys, summary, tracker)
	}

	if tracker != nil {
		tracker.Finish()
	}
	summary.Elapsed = p.clock.Now().Sub(start)

	p.logger.Info("run finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed)
	if failed := summary.FailedKeys(); len(failed) > 0 {
		p.logger.Warn("files failed", "files", failed)
	}
	p.monitor.RunFinished(summary)
	return summary, err
}

func (p *Pipeline) runSequential(ctx context.Context, keys []string, summary *core.RunSummary, tracker *ProgressTracker) error {
	for i, key := range keys {
		if i > 0 {
			if err := p.clock.Sleep(ctx, p.filePause); err != nil {
				p.logger.Warn("run canceled", "processed", i, "remaining", len(keys)-i)
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			p.logger.Warn("run canceled", "processed", i, "remaining", len(keys)-i)
			return err
		}

		p.logger.Info("processing file", "file", key, "index", i+1, "total", len(keys))
		outcome := p.ProcessFile(ctx, key)
		summary.Record(outcome)
		if tracker != nil {
			tracker.Record(outcome.Succeeded())
		}
	}
	return nil
}

func (p *Pipeline) runPooled(ctx context.Context, keys []string, summary *core.RunSummary, tracker *ProgressTracker) error {
	pool, err := ants.NewPool(p.workers)
	if err != nil {
		return fmt.Errorf("%w: worker pool: %w", core.ErrConfiguration, err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		outcomes = make([]*core.FileOutcome, len(keys))
		runErr   error
	)

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("run canceled", "submitted", i, "remaining", len(keys)-i)
			runErr = err
			break
		}

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			outcome := p.ProcessFile(ctx, key)
			outcomes[i] = &outcome
			if tracker != nil {
				tracker.Record(outcome.Succeeded())
			}
		})
		if submitErr != nil {
			wg.Done()
			outcome := p.fail(core.FileOutcome{Key: key, State: core.StatePending}, submitErr)
			outcomes[i] = &outcome
		}
	}
	wg.Wait()

	for _, outcome := range outcomes {
		if outcome != nil {
			summary.Record(*outcome)
		}
	}
	return runErr
}
