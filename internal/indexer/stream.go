package indexer

import (
	"context"
	"sync"

	"github.com/dshills/tagindex/pkg/types"
)

// RefreshStream delivers the progress of one refresh. Events are pulled with
// Next; the run does not advance past an event until it has been taken, so a
// slow consumer slows the run down.
type RefreshStream struct {
	runID string
	scope types.Scope

	events    chan types.Progress
	cancel    context.CancelFunc
	abandoned chan struct{}
	once      sync.Once

	done    chan struct{}
	summary *types.Summary
	err     error
}

func newStream(runID string, scope types.Scope, cancel context.CancelFunc) *RefreshStream {
	return &RefreshStream{
		runID:     runID,
		scope:     scope,
		events:    make(chan types.Progress),
		cancel:    cancel,
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RunID identifies the run in logs and events
func (s *RefreshStream) RunID() string { return s.runID }

// Scope is the scope being refreshed
func (s *RefreshStream) Scope() types.Scope { return s.scope }

// Next blocks until the next event. It returns false once the run has
// ended and every event was delivered, or when ctx is done.
func (s *RefreshStream) Next(ctx context.Context) (types.Progress, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		return types.Progress{}, false
	}
}

// Cancel stops the run after the batch in progress. Checkpointed work is
// kept. Events not yet pulled may be dropped; Wait still reports the
// outcome. The same holds when the run is superseded or the engine closes.
func (s *RefreshStream) Cancel() {
	s.once.Do(func() {
		close(s.abandoned)
		s.cancel()
	})
}

// Done is closed when the run has finished
func (s *RefreshStream) Done() <-chan struct{} {
	return s.done
}

// Wait discards undelivered events and returns the run's summary. The error
// is non-nil when the run or one of its backends failed; a cancelled run
// reports status cancelled and no error.
func (s *RefreshStream) Wait() (*types.Summary, error) {
	for range s.events {
	}
	<-s.done
	return s.summary, s.err
}

// emit hands ev to the consumer. It gives up once the stream was cancelled
// or ctx is done, so an undrained stream cannot hold a cancelled run open.
// A consumer already waiting in Next still gets the event.
func (s *RefreshStream) emit(ctx context.Context, ev types.Progress) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.abandoned:
	case <-ctx.Done():
	}
}

func (s *RefreshStream) finish(summary *types.Summary, err error) {
	s.summary = summary
	s.err = err
	close(s.events)
	close(s.done)
}
