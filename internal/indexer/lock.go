package indexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLockStaleTimeout is how long a holder may go without a heartbeat
// before another run takes its scope over
const DefaultLockStaleTimeout = 10 * time.Second

// scopeLease is one run's hold on a scope
type scopeLease struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	// beat holds the last heartbeat in unix nanoseconds
	beat atomic.Int64
}

func (l *scopeLease) touch(now time.Time) {
	l.beat.Store(now.UnixNano())
}

func (l *scopeLease) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, l.beat.Load()))
}

// scopeLocks gives each scope a single writer. A new run supersedes the
// current holder by cancelling it and waiting for its release; a holder
// idle past the stale timeout is taken over without waiting.
type scopeLocks struct {
	mu    sync.Mutex
	held  map[string]*scopeLease
	stale time.Duration
	now   func() time.Time

	// queued is the newest run per scope that has not taken the lock yet
	queued map[string]queuedRun
}

type queuedRun struct {
	runID  string
	cancel context.CancelFunc
}

func newScopeLocks(stale time.Duration) *scopeLocks {
	if stale <= 0 {
		stale = DefaultLockStaleTimeout
	}
	return &scopeLocks{
		held:   make(map[string]*scopeLease),
		queued: make(map[string]queuedRun),
		stale:  stale,
		now:    time.Now,
	}
}

// supersede cancels the holder of key and any older run still queued for
// it, then records runID as the queued run.
func (s *scopeLocks) supersede(key, runID string, cancel context.CancelFunc) {
	var stop []context.CancelFunc
	s.mu.Lock()
	if l, ok := s.held[key]; ok && l.runID != runID {
		stop = append(stop, l.cancel)
	}
	if q, ok := s.queued[key]; ok && q.runID != runID {
		stop = append(stop, q.cancel)
	}
	s.queued[key] = queuedRun{runID: runID, cancel: cancel}
	s.mu.Unlock()

	for _, c := range stop {
		c()
	}
}

// unqueue forgets runID as the queued run of key
func (s *scopeLocks) unqueue(key, runID string) {
	s.mu.Lock()
	if q, ok := s.queued[key]; ok && q.runID == runID {
		delete(s.queued, key)
	}
	s.mu.Unlock()
}

// acquire takes the lock on key for runID. cancel is what a later run
// calls to supersede this one.
func (s *scopeLocks) acquire(ctx context.Context, key, runID string, cancel context.CancelFunc) (*scopeLease, bool, error) {
	tookOver := false
	for {
		s.mu.Lock()
		cur := s.held[key]
		now := s.now()
		if cur == nil || cur.idle(now) > s.stale {
			if cur != nil {
				cur.cancel()
				tookOver = true
			}
			l := &scopeLease{runID: runID, cancel: cancel, done: make(chan struct{})}
			l.touch(now)
			s.held[key] = l
			s.mu.Unlock()
			return l, tookOver, nil
		}
		wait := s.stale - cur.idle(now)
		s.mu.Unlock()

		cur.cancel()
		timer := time.NewTimer(wait + time.Millisecond)
		select {
		case <-cur.done:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		}
		timer.Stop()
	}
}

// release gives the lock up if l still holds it
func (s *scopeLocks) release(key string, l *scopeLease) {
	s.mu.Lock()
	if s.held[key] == l {
		delete(s.held, key)
	}
	s.mu.Unlock()
	close(l.done)
}

// holder returns the run holding key, if any
func (s *scopeLocks) holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.held[key]
	if !ok {
		return "", false
	}
	return l.runID, true
}

// cancel asks the run holding key, and any run queued for it, to stop
func (s *scopeLocks) cancel(key string) bool {
	s.mu.Lock()
	l, held := s.held[key]
	q, queued := s.queued[key]
	s.mu.Unlock()
	if held {
		l.cancel()
	}
	if queued {
		q.cancel()
	}
	return held || queued
}
