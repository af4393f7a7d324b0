// Package metrics records pipeline activity as prometheus metrics.
//
// A Recorder owns a private registry so several pipelines in one process do
// not collide, and can dump that registry to a node-exporter textfile after a
// batch run.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/ingestion"
	"github.com/poiesic/docflow/stage"
	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "docflow"

// Recorder implements ingestion.Monitor and stage.AttemptObserver.
type Recorder struct {
	registry *prom.Registry

	files           *prom.CounterVec
	fileDuration    prom.Histogram
	transitions     *prom.CounterVec
	attempts        *prom.CounterVec
	attemptDuration prom.Histogram
	runFiles        prom.Gauge
	runElapsed      prom.Gauge
	lastRun         prom.Gauge

	mu       sync.Mutex
	inFlight map[string]struct{}
}

var (
	_ ingestion.Monitor     = (*Recorder)(nil)
	_ stage.AttemptObserver = (*Recorder)(nil)
)

// NewRecorder creates a recorder with its metrics registered on a fresh
// registry.
func NewRecorder() (*Recorder, error) {
	r := &Recorder{
		registry: prom.NewRegistry(),
		files: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed, by result.",
		}, []string{"result"}),
		fileDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "file_duration_seconds",
			Help:      "Time spent on one file from read to write.",
			Buckets:   prom.ExponentialBuckets(0.25, 2, 12),
		}),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "file_state_transitions_total",
			Help:      "File state transitions, by target state.",
		}, []string{"state"}),
		attempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "invoke_attempts_total",
			Help:      "Remote pipeline call attempts, by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_attempt_duration_seconds",
			Help:      "Duration of a single remote pipeline call.",
			Buckets:   prom.ExponentialBuckets(0.1, 2, 12),
		}),
		runFiles: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "run_files",
			Help:      "Files enumerated by the current or last run.",
		}),
		runElapsed: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "run_elapsed_seconds",
			Help:      "Wall time of the last finished run.",
		}),
		lastRun: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last run finished.",
		}),
		inFlight: make(map[string]struct{}),
	}

	collectors := []prom.Collector{
		r.files, r.fileDuration, r.transitions,
		r.attempts, r.attemptDuration,
		r.runFiles, r.runElapsed, r.lastRun,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	// Pre-create the label values so a clean run still exports zeros.
	r.files.WithLabelValues("succeeded")
	r.files.WithLabelValues("failed")
	r.attempts.WithLabelValues("ok")
	r.attempts.WithLabelValues("error")
	return r, nil
}

// Registry exposes the registry, e.g. for promhttp or tests.
func (r *Recorder) Registry() *prom.Registry {
	return r.registry
}

func (r *Recorder) RunStarted(total int) {
	r.runFiles.Set(float64(total))
}

func (r *Recorder) FileStarted(key string) {
	r.mu.Lock()
	r.inFlight[key] = struct{}{}
	r.mu.Unlock()
}

func (r *Recorder) StateChanged(_ string, state core.FileState) {
	r.transitions.WithLabelValues(state.String()).Inc()
}

func (r *Recorder) FileFinished(outcome core.FileOutcome) {
	r.mu.Lock()
	delete(r.inFlight, outcome.Key)
	r.mu.Unlock()

	result := "failed"
	if outcome.Succeeded() {
		result = "succeeded"
	}
	r.files.WithLabelValues(result).Inc()
	r.fileDuration.Observe(outcome.Duration.Seconds())
}

func (r *Recorder) RunFinished(summary *core.RunSummary) {
	if summary == nil {
		return
	}
	r.runElapsed.Set(summary.Elapsed.Seconds())
	r.lastRun.SetToCurrentTime()
}

// AttemptFinished records one remote call attempt.
func (r *Recorder) AttemptFinished(_ string, _ int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.attempts.WithLabelValues(outcome).Inc()
	r.attemptDuration.Observe(elapsed.Seconds())
}

// InFlight returns the number of files started but not yet finished.
func (r *Recorder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// WriteTextfile writes every metric in the node-exporter textfile format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
