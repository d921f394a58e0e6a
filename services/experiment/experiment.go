// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
	"github.com/AleutianAI/benchgrid/services/experiment/pool"
	"github.com/AleutianAI/benchgrid/services/experiment/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("benchgrid.experiment")

var validate = validator.New()

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls how an experiment executes.
type Config struct {
	// Processes is the worker process count. Must be >= 1; 1 with an
	// unlimited chunk lifetime means single-process sequential execution.
	Processes int `yaml:"processes" validate:"gte=1"`

	// MaxChunksPerWorker bounds how many chunks one worker process handles
	// before being replaced. 0 = unlimited.
	MaxChunksPerWorker int `yaml:"max_chunks_per_worker" validate:"gte=0"`

	// MaxItemsPerChunk splits chunks larger than this bound. 0 = unbounded.
	MaxItemsPerChunk int `yaml:"max_items_per_chunk" validate:"gte=0"`
}

// DefaultConfig is single-process sequential execution.
func DefaultConfig() Config {
	return Config{Processes: 1}
}

// Validate checks the configuration ranges. Violations are configuration
// errors, raised before any work starts and never retried.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Experiment
// -----------------------------------------------------------------------------

// Experiment evaluates a cross product of learners and environments,
// producing a durable, resumable transaction log of results.
type Experiment struct {
	pairs       []Pair
	description string
	tasks       Tasks
	cfg         Config
	logger      *slog.Logger
	registry    *Registry
	metrics     *pool.Metrics

	// workerCommand overrides the argv used to spawn worker processes.
	workerCommand []string
}

// Option configures an Experiment. Options are applied in order, so later
// options override earlier ones.
type Option func(*Experiment)

// WithDescription attaches a human-readable description to the run metadata.
func WithDescription(desc string) Option {
	return func(e *Experiment) { e.description = desc }
}

// WithConfig sets the execution configuration.
func WithConfig(cfg Config) Option {
	return func(e *Experiment) { e.cfg = cfg }
}

// WithLearnerTask overrides the learner description task.
func WithLearnerTask(task LearnerTask) Option {
	return func(e *Experiment) { e.tasks.Learner = task }
}

// WithEnvironmentTask overrides the environment description task.
func WithEnvironmentTask(task EnvironmentTask) Option {
	return func(e *Experiment) { e.tasks.Environment = task }
}

// WithEvaluationTask overrides the evaluation task.
func WithEvaluationTask(task EvaluationTask) Option {
	return func(e *Experiment) { e.tasks.Evaluation = task }
}

// WithLogger sets the experiment logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Experiment) { e.logger = logger }
}

// WithRegistry overrides the constructor registry used for cross-process
// transfer.
func WithRegistry(reg *Registry) Option {
	return func(e *Experiment) { e.registry = reg }
}

// WithPoolMetrics attaches prometheus metrics to the execution engine.
func WithPoolMetrics(m *pool.Metrics) Option {
	return func(e *Experiment) { e.metrics = m }
}

// WithWorkerCommand overrides the argv used to spawn worker processes.
// Binaries embedding the engine point this at their own worker subcommand.
func WithWorkerCommand(argv []string) Option {
	return func(e *Experiment) { e.workerCommand = argv }
}

// New builds an experiment over the full learners x environments grid.
func New(learners []Learner, environments []Environment, opts ...Option) (*Experiment, error) {
	return NewFromPairs(GridPairs(learners, environments), opts...)
}

// NewFromPairs builds an experiment over explicit (learner, environment)
// pairs.
func NewFromPairs(pairs []Pair, opts ...Option) (*Experiment, error) {
	e := &Experiment{
		pairs:    pairs,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		registry: DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	for i, p := range pairs {
		if p.Learner == nil {
			return nil, fmt.Errorf("%w: pair %d", ErrNilLearner, i)
		}
		if p.Environment == nil {
			return nil, fmt.Errorf("%w: pair %d", ErrNilEnvironment, i)
		}
	}
	return e, nil
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// RunOptions carries per-run settings.
type RunOptions struct {
	// Log is the durable transaction log. Nil runs against an in-memory
	// log, which still yields a full Result but is not resumable.
	Log store.Log

	// Seed determines all randomness within the run. Recorded in the run
	// metadata and fed to the default evaluation task.
	Seed int64
}

// Run executes the experiment and returns the fully decoded result.
//
// Description:
//
//	Run restores any existing transaction log first: a restored log must
//	carry matching learner and environment counts (mismatch is fatal
//	before any work executes) and pairs with terminal records are not
//	re-submitted. Fresh runs write the run metadata record before any
//	work. Completed pairs stream into the log as they finish, each flushed
//	before the next, so an interrupted run keeps every fully completed
//	pair and a resume recomputes only the rest.
//
// Outputs:
//   - *Result: the decoded transaction log after the sink is flushed.
//   - error: configuration, serialization, or cancellation error. On
//     cancellation the log remains valid for resumption.
func (e *Experiment) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "experiment.Run")
	defer span.End()

	fail := func(err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = store.NewListLog()
	}

	runID := uuid.NewString()[:8]
	logger := e.logger.With("run_id", runID)

	// Restore any previously persisted progress. A malformed log is fatal:
	// silently skipping a line would make finished pairs look unfinished.
	prior, err := ResultFromLog(log)
	if err != nil {
		return fail(err)
	}
	restored := prior.HasMeta
	if restored {
		logger.Info("restored existing transaction log",
			"finished_pairs", len(prior.Evaluations),
		)
	}

	tasks := e.runTasks(opts.Seed)
	items, nLearners, nEnvironments, err := core.BuildWorkItems(e.pairs, tasks)
	if err != nil {
		return fail(err)
	}

	span.SetAttributes(
		attribute.Int("learners", nLearners),
		attribute.Int("environments", nEnvironments),
		attribute.Int("pairs", len(items)),
		attribute.Bool("restored", restored),
	)

	if restored {
		if prior.Meta.NLearners != nLearners || prior.Meta.NEnvironments != nEnvironments {
			return fail(fmt.Errorf("%w: log has %d learners and %d environments, experiment has %d and %d",
				ErrIncompatibleLog,
				prior.Meta.NLearners, prior.Meta.NEnvironments,
				nLearners, nEnvironments))
		}
		items = core.FilterFinished(items, prior)
	}

	engine, err := pool.New(pool.Config{
		Processes:          e.cfg.Processes,
		MaxChunksPerWorker: e.cfg.MaxChunksPerWorker,
		WorkerCommand:      e.workerCommand,
		Registry:           e.registry,
		Logger:             logger,
		Metrics:            e.metrics,
	})
	if err != nil {
		return fail(err)
	}

	// Everything that crosses a process boundary must be reducible to
	// serializable state. Checked before any record is written so a
	// non-portable handle leaves the log untouched.
	if engine.Multiprocess() {
		if err := core.ValidatePortable(e.registry, items); err != nil {
			return fail(err)
		}
	}

	chunks := core.LimitChunkSize(core.GroupItems(items, e.cfg.Processes), e.cfg.MaxItemsPerChunk)
	logger.Info("experiment started",
		"pairs_remaining", len(items),
		"chunks", len(chunks),
		"processes", e.cfg.Processes,
	)

	// The original run's metadata already exists on resume; writing it
	// again would corrupt the log's first-record invariant.
	if !restored {
		meta := RunMeta{
			NLearners:     nLearners,
			NEnvironments: nEnvironments,
			Description:   e.description,
			Seed:          opts.Seed,
		}
		if err := e.append(log, core.RunMetaRecord(meta)); err != nil {
			return fail(err)
		}
	}

	if err := e.drain(ctx, engine, chunks, log, logger); err != nil {
		return fail(err)
	}

	if err := log.Flush(); err != nil {
		return fail(fmt.Errorf("flush transaction log: %w", err))
	}
	logger.Info("experiment finished")

	result, err := ResultFromLog(log)
	if err != nil {
		return fail(err)
	}
	return result, nil
}

// runTasks resolves the task bundle for one run, defaulting any unset role.
func (e *Experiment) runTasks(seed int64) Tasks {
	tasks := e.tasks
	if tasks.Learner == nil {
		tasks.Learner = SimpleLearnerInfo{}
	}
	if tasks.Environment == nil {
		tasks.Environment = SimpleEnvironmentInfo{}
	}
	if tasks.Evaluation == nil {
		tasks.Evaluation = OnPolicyEvaluation{Seed: seed}
	}
	return tasks
}

// append encodes and durably writes one record.
func (e *Experiment) append(log store.Log, rec Record) error {
	line, err := core.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := log.Write(line); err != nil {
		return fmt.Errorf("append transaction log: %w", err)
	}
	return log.Flush()
}

// drain consumes the engine's record and event streams until both close.
// Each record is flushed before the next is consumed, so the log never holds
// a terminal record for a pair whose earlier records were lost.
//
// A serialization event cancels the run: it means a handle slipped past
// validation and the worker cannot rebuild it, which no amount of retrying
// fixes. Item failures and worker crashes are logged and the run continues;
// the affected pairs simply keep no terminal record.
func (e *Experiment) drain(ctx context.Context, engine *pool.Engine, chunks []Chunk, log store.Log, logger *slog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records, events := engine.Execute(runCtx, chunks)

	var serializationErr error

	for records != nil || events != nil {
		select {
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			if err := e.append(log, rec); err != nil {
				cancel()
				// Keep draining so the engine can tear down, but the write
				// failure is what the run reports.
				drainRest(records, events)
				return err
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case pool.EventSerialization:
				logger.Error("serialization failure",
					"worker_id", ev.WorkerID,
					"error", ev.Message,
				)
				if serializationErr == nil {
					serializationErr = fmt.Errorf("%w: %s", ErrNotPortable, ev.Message)
					cancel()
				}
			case pool.EventWorkerCrash:
				logger.Error("worker process crashed",
					"worker_id", ev.WorkerID,
					"error", ev.Message,
				)
			case pool.EventItemFailure:
				logger.Error("evaluation task failed",
					"worker_id", ev.WorkerID,
					"pair", pairString(ev.Pair),
					"time", ev.Time,
					"error", ev.Message,
					"stack", ev.Stack,
				)
			}
		}
	}

	if serializationErr != nil {
		return serializationErr
	}
	// A user-initiated interrupt propagates upward after teardown rather
	// than being treated as a loggable error; completed pairs are already
	// durable.
	if err := ctx.Err(); err != nil {
		return err
	}
	// A supervisor failure (e.g. the worker binary cannot be spawned)
	// abandons the remaining chunks; the run must report it, not pass off a
	// partial log as a finished experiment.
	if err := engine.Err(); err != nil {
		return fmt.Errorf("pool execution: %w", err)
	}
	return nil
}

// drainRest empties both channels so the engine's producers never block
// during teardown.
func drainRest(records <-chan Record, events <-chan pool.Event) {
	for records != nil || events != nil {
		select {
		case _, ok := <-records:
			if !ok {
				records = nil
			}
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

func pairString(p *PairID) string {
	if p == nil {
		return ""
	}
	return p.String()
}
