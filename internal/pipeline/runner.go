// Package pipeline implements the harvest orchestrator: run lifecycle,
// the per-source processing state machine and run statistics. One run
// processes every active source through its parser, the keyword gate, the
// relevance scorer or comment judges, and the storage upserts, then reports
// the per-source counters.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
	"github.com/baikalmedia/tourism-monitor/internal/progress"
)

// finishTimeout bounds the closing writes of a run (completion row, report
// publish). They run on a detached context so a canceled trigger request
// cannot leave the run row dangling in the running state.
const finishTimeout = 30 * time.Second

// Config controls run behavior.
type Config struct {
	// Threshold is the relevance acceptance bound applied to scores.
	Threshold float64
	// Topic names the report publisher destination; empty disables
	// publishing.
	Topic string
}

// Emitter receives progress events. *progress.Hub satisfies it.
type Emitter interface {
	Emit(evt progress.Event)
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Registry *parser.Registry
	Gate     monitor.KeywordGate
	Scorer   monitor.Scorer
	Judge    monitor.CommentJudge
	Store    monitor.Store
	Runs     monitor.RunStore
	Queue    monitor.Queue
	Retry    monitor.RetryPolicy
	IDs      monitor.IDGenerator
	Clock    monitor.Clock
	Hub      Emitter
	Reports  monitor.Publisher
}

// Runner orchestrates harvest runs over the configured sources. Source
// items are handed to the dispatcher pool through the queue; the Runner is
// the pool's handler.
type Runner struct {
	cfg     Config
	sources []monitor.Source
	deps    Deps
	logger  *zap.Logger

	mu     sync.Mutex
	active *runState
	last   *runState
}

// runState tracks one run in flight.
type runState struct {
	run     monitor.Run
	pending sync.WaitGroup

	mu       sync.Mutex
	stats    map[string]monitor.SourceStats
	abortErr error

	done   chan struct{}
	report monitor.Report
	err    error
}

func (s *runState) record(source string, delta monitor.SourceStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.stats[source]
	total.Merge(delta)
	s.stats[source] = total
}

func (s *runState) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr == nil {
		s.abortErr = err
	}
}

func (s *runState) aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

// New builds a Runner over the configured sources.
func New(cfg Config, sources []monitor.Source, deps Deps, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("pipeline requires a parser registry")
	case deps.Gate == nil:
		return nil, errors.New("pipeline requires a keyword gate")
	case deps.Scorer == nil:
		return nil, errors.New("pipeline requires a scorer")
	case deps.Judge == nil:
		return nil, errors.New("pipeline requires a comment judge")
	case deps.Store == nil:
		return nil, errors.New("pipeline requires a store")
	case deps.Runs == nil:
		return nil, errors.New("pipeline requires a run store")
	case deps.Queue == nil:
		return nil, errors.New("pipeline requires a queue")
	case deps.IDs == nil:
		return nil, errors.New("pipeline requires an id generator")
	case deps.Clock == nil:
		return nil, errors.New("pipeline requires a clock")
	}
	if deps.Retry == nil {
		deps.Retry = monitor.NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold %v outside [0,1]", cfg.Threshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		sources: sources,
		deps:    deps,
		logger:  logger,
	}, nil
}

// Trigger starts a run: it registers the run row, syncs the configured
// sources into the store and enqueues the active ones for the worker pool,
// returning the run id without waiting for completion. The dispatcher must
// be running for the sources to be processed. monitor.ErrRunActive while a
// run is in flight. Overlapping runs would double-fetch rate-limited
// origins, so one process runs one run at a time.
func (r *Runner) Trigger(ctx context.Context) (string, error) {
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	run := monitor.Run{
		ID:        runID,
		StartedAt: r.deps.Clock.Now(),
		Status:    monitor.RunRunning,
	}
	state := &runState{
		run:   run,
		stats: make(map[string]monitor.SourceStats, len(r.sources)),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return "", monitor.ErrRunActive
	}
	r.active = state
	r.mu.Unlock()

	if err := r.begin(ctx, state); err != nil {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		return "", err
	}

	go r.finish(state)
	return runID, nil
}

// begin performs the synchronous part of a run: the run row, the source
// sync and the enqueues. Failures here mean the run never started.
func (r *Runner) begin(ctx context.Context, state *runState) error {
	if err := r.deps.Runs.StartRun(ctx, state.run); err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	r.emit(progress.Event{
		RunID: state.run.ID,
		TS:    r.deps.Clock.Now(),
		Stage: progress.StageRunStart,
	})

	active := make([]monitor.Source, 0, len(r.sources))
	for _, src := range r.sources {
		if src.ID == "" {
			// Candidate id for a first sighting; the store returns the
			// stable id either way.
			candidate, err := r.deps.IDs.NewID()
			if err != nil {
				r.failBegin(state, err)
				return fmt.Errorf("generate source id: %w", err)
			}
			src.ID = candidate
		}
		id, err := r.deps.Store.UpsertSource(ctx, src)
		if err != nil {
			r.failBegin(state, err)
			return fmt.Errorf("sync source %s: %w", src.Name, err)
		}
		src.ID = id
		if src.Active {
			active = append(active, src)
		}
	}

	state.pending.Add(len(active))
	for _, src := range active {
		item := monitor.QueueItem{RunID: state.run.ID, Source: src}
		if err := r.deps.Queue.Enqueue(ctx, item); err != nil {
			state.pending.Done()
			state.abort(err)
			r.logger.Error("enqueue source failed",
				zap.String("run_id", state.run.ID),
				zap.String("source", src.Name),
				zap.Error(err))
		}
	}
	r.logger.Info("run started",
		zap.String("run_id", state.run.ID),
		zap.Int("sources", len(active)))
	return nil
}

// failBegin closes out a run whose setup failed before any source was
// enqueued.
func (r *Runner) failBegin(state *runState, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	now := r.deps.Clock.Now()
	if err := r.deps.Runs.CompleteRun(ctx, state.run.ID, now, monitor.RunFailed, cause.Error()); err != nil {
		r.logger.Error("record run failure", zap.String("run_id", state.run.ID), zap.Error(err))
	}
	r.emit(progress.Event{
		RunID: state.run.ID,
		TS:    now,
		Stage: progress.StageRunError,
		Note:  cause.Error(),
	})
}

// HandleSource processes one queued source. It is called by dispatcher
// workers.
func (r *Runner) HandleSource(ctx context.Context, item monitor.QueueItem) {
	r.mu.Lock()
	state := r.active
	r.mu.Unlock()
	if state == nil || state.run.ID != item.RunID {
		r.logger.Warn("dropping source of a finished run",
			zap.String("run_id", item.RunID),
			zap.String("source", item.Source.Name))
		return
	}
	defer state.pending.Done()

	if err := state.aborted(); err != nil {
		state.record(item.Source.Name, monitor.SourceStats{})
		return
	}
	if ctx.Err() != nil {
		state.abort(ctx.Err())
		state.record(item.Source.Name, monitor.SourceStats{})
		return
	}

	stats, err := r.processSource(ctx, state.run.ID, item.Source)
	state.record(item.Source.Name, stats)
	if err != nil && errors.Is(err, monitor.ErrStoreUnavailable) {
		state.abort(err)
	}
}

// finish waits for every source of the run and closes it out: completion
// row, report, publish.
func (r *Runner) finish(state *runState) {
	state.pending.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	finishedAt := r.deps.Clock.Now()
	status := monitor.RunSucceeded
	errText := ""
	if cause := state.aborted(); cause != nil {
		status = monitor.RunFailed
		errText = cause.Error()
		state.err = cause
	}

	state.mu.Lock()
	sources := make(map[string]monitor.SourceStats, len(state.stats))
	totals := monitor.SourceStats{}
	for name, st := range state.stats {
		sources[name] = st
		totals.Merge(st)
	}
	state.mu.Unlock()

	state.report = monitor.Report{
		RunID:      state.run.ID,
		StartedAt:  state.run.StartedAt,
		FinishedAt: finishedAt,
		Status:     status,
		Sources:    sources,
		Totals:     totals,
	}

	if err := r.deps.Runs.CompleteRun(ctx, state.run.ID, finishedAt, status, errText); err != nil {
		r.logger.Error("record run completion",
			zap.String("run_id", state.run.ID), zap.Error(err))
	}

	stage := progress.StageRunDone
	if status == monitor.RunFailed {
		stage = progress.StageRunError
	}
	r.emit(progress.Event{
		RunID: state.run.ID,
		TS:    finishedAt,
		Stage: stage,
		Stats: totals,
		Dur:   finishedAt.Sub(state.run.StartedAt),
		Note:  errText,
	})

	r.publishReport(ctx, state.report)

	r.logger.Info("run finished",
		zap.String("run_id", state.run.ID),
		zap.String("status", string(status)),
		zap.Int64("accepted", totals.Accepted),
		zap.Int64("malformed", totals.Malformed))

	r.mu.Lock()
	r.last = state
	r.active = nil
	r.mu.Unlock()
	close(state.done)
}

func (r *Runner) publishReport(ctx context.Context, report monitor.Report) {
	if r.deps.Reports == nil || r.cfg.Topic == "" {
		return
	}
	if _, err := r.deps.Reports.Publish(ctx, r.cfg.Topic, report); err != nil {
		r.logger.Error("publish run report",
			zap.String("run_id", report.RunID), zap.Error(err))
	}
}

// Wait blocks until the identified run finishes and returns its report.
// Waiting on an unknown run id fails with monitor.ErrNotFound.
func (r *Runner) Wait(ctx context.Context, runID string) (monitor.Report, error) {
	r.mu.Lock()
	state := r.active
	if state == nil || state.run.ID != runID {
		state = r.last
	}
	r.mu.Unlock()
	if state == nil || state.run.ID != runID {
		return monitor.Report{}, fmt.Errorf("run %s: %w", runID, monitor.ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return monitor.Report{}, fmt.Errorf("waiting for run %s: %w", runID, ctx.Err())
	case <-state.done:
		return state.report, state.err
	}
}

// Execute triggers a run and waits for its report. Used by the single-shot
// mode.
func (r *Runner) Execute(ctx context.Context) (monitor.Report, error) {
	runID, err := r.Trigger(ctx)
	if err != nil {
		return monitor.Report{}, err
	}
	return r.Wait(ctx, runID)
}

// ActiveRunID reports the run currently in flight, if any.
func (r *Runner) ActiveRunID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.run.ID, true
}

func (r *Runner) emit(evt progress.Event) {
	if r.deps.Hub == nil {
		return
	}
	r.deps.Hub.Emit(evt)
}
