package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/pkg/types"
)

// Scheduler refreshes every known scope on a cron schedule
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	spec   string
	log    zerolog.Logger
}

// cronLogger adapts zerolog to cron's logger
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Schedule starts refreshing every stored scope according to spec, a five
// field cron expression or a descriptor such as "@every 10m". Overlapping
// ticks are skipped. The scheduler stops with the engine.
func (e *Engine) Schedule(spec string) (*Scheduler, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	log := e.log.With().Str("schedule", spec).Logger()
	cl := cronLogger{log: log}
	s := &Scheduler{
		engine: e,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec:   spec,
		log:    log,
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RefreshAll(e.ctx); err != nil {
			log.Warn().Err(err).Msg("scheduled refresh failed")
		}
	}))

	e.schedMu.Lock()
	e.schedulers = append(e.schedulers, s)
	e.schedMu.Unlock()

	s.cron.Start()
	log.Info().Msg("refresh schedule started")
	return s, nil
}

// Next returns the next time the schedule fires
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RefreshAll refreshes every stored scope one after another and returns
// their summaries
func (s *Scheduler) RefreshAll(ctx context.Context) ([]*types.Summary, error) {
	scopes, err := s.engine.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}

	summaries := make([]*types.Summary, 0, len(scopes))
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return summaries, ctx.Err()
		}
		stream, err := s.engine.Refresh(ctx, scope)
		if err != nil {
			return summaries, err
		}
		summary, err := stream.Wait()
		if err != nil {
			s.log.Warn().Err(err).Str("scope", scope.Key()).Msg("scope refresh failed")
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

// Stop halts the schedule and waits for a running tick
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
