package ingestion

import (
	"context"
	"time"

	"github.com/poiesic/docflow/core"
)

// Monitor provides hooks to observe a run.
// Implement this interface to collect metrics or drive a UI. With more than
// one worker, file hooks may be called concurrently.
type Monitor interface {
	RunStarted(total int)
	FileStarted(key string)
	StateChanged(key string, state core.FileState)
	FileFinished(outcome core.FileOutcome)
	RunFinished(summary *core.RunSummary)
}

// noopMonitor is a no-op implementation of Monitor
type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) RunStarted(_ int)                        {}
func (n *noopMonitor) FileStarted(_ string)                    {}
func (n *noopMonitor) StateChanged(_ string, _ core.FileState) {}
func (n *noopMonitor) FileFinished(_ core.FileOutcome)         {}
func (n *noopMonitor) RunFinished(_ *core.RunSummary)          {}

// Clock supplies time to the pipeline.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
