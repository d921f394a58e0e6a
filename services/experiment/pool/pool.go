// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool is the execution engine of an experiment: it runs chunks of
// work items across a supervised pool of worker processes, streams result
// records back as they are produced, and isolates item failures and worker
// crashes so the run never hangs on a dead worker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("benchgrid.pool")

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidPoolConfig is returned for out-of-range pool configuration.
	ErrInvalidPoolConfig = errors.New("invalid pool configuration")
)

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// EventKind classifies failures reported on the event channel.
type EventKind string

const (
	// EventItemFailure is an error or panic raised by one item's task logic.
	// Isolated to the offending pair; the run continues.
	EventItemFailure EventKind = "item_failure"

	// EventWorkerCrash is an abnormal worker process exit. The in-flight
	// chunk is marked failed-and-complete and the worker is replaced.
	EventWorkerCrash EventKind = "worker_crash"

	// EventSerialization is a handle that could not cross the process
	// boundary. Reported once per run with an actionable diagnostic.
	EventSerialization EventKind = "serialization"
)

// Event is one failure report. Stack traces are pre-rendered strings because
// traceback values cannot cross a process boundary.
type Event struct {
	Time     time.Time
	WorkerID string
	Kind     EventKind
	Message  string
	Stack    string
	Pair     *core.PairID
}

// -----------------------------------------------------------------------------
// Pool State
// -----------------------------------------------------------------------------

// State is the pool-level lifecycle: Running while chunks remain, Draining
// once the chunk stream is exhausted and in-flight chunks are finishing,
// Closed after both output channels are closed.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Config configures an execution engine.
type Config struct {
	// Processes is the worker process count. Values <= 1 combined with
	// MaxChunksPerWorker == 0 select the in-process sequential executor
	// with no process isolation.
	Processes int

	// MaxChunksPerWorker retires a worker after it has processed this many
	// chunks, replacing it with a fresh process. 0 = unlimited lifetime.
	// A non-zero value forces process isolation even with Processes == 1.
	MaxChunksPerWorker int

	// WorkerCommand is the argv used to spawn worker processes. Defaults to
	// the current executable with the hidden worker subcommand.
	WorkerCommand []string

	// Registry resolves reduction forms. Defaults to the process registry.
	Registry *core.Registry

	// Logger receives supervision logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives pool counters. Nil disables metric collection.
	Metrics *Metrics
}

// Engine executes chunk streams. One Engine may run many Execute calls, but
// not concurrently.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	registry *core.Registry
	spawn    spawnFunc

	state atomic.Int32

	// execErr records why the last Execute stopped early. Written before the
	// output channels close, so consumers read it safely through Err once
	// both channels are drained.
	execErr error

	// serializationSeen suppresses repeated serialization diagnostics; the
	// first one tells the user everything the rest would.
	serializationSeen atomic.Bool
}

// New validates the configuration and builds an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Processes < 0 {
		return nil, fmt.Errorf("%w: processes must be >= 0, got %d", ErrInvalidPoolConfig, cfg.Processes)
	}
	if cfg.MaxChunksPerWorker < 0 {
		return nil, fmt.Errorf("%w: max chunks per worker must be >= 0, got %d", ErrInvalidPoolConfig, cfg.MaxChunksPerWorker)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = core.DefaultRegistry()
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		registry: registry,
	}
	e.spawn = e.spawnExecWorker
	return e, nil
}

// Multiprocess reports whether this configuration uses worker processes at
// all. A single process with a bounded chunk lifetime still needs process
// isolation to bound memory growth.
func (e *Engine) Multiprocess() bool {
	return e.cfg.Processes > 1 || e.cfg.MaxChunksPerWorker > 0
}

// State returns the pool-level lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Err reports why the last Execute stopped before accounting for every
// chunk: a spawn failure, a cancelled context, or nil for a complete run.
// Only valid once both Execute output channels have closed.
func (e *Engine) Err() error {
	return e.execErr
}

// Execute runs the chunk stream and returns the record and event channels.
//
// Description:
//
//	Chunks are dispatched in input order; a chunk runs entirely on one
//	worker with items in order, but chunks complete in any order. Both
//	channels are closed when every chunk is accounted for - including the
//	zero-chunk case and chunks lost to worker crashes - so the consumer
//	never blocks waiting for one more record. On cancellation the engine
//	stops dispatching, tears the pool down best-effort, and closes both
//	channels without collecting further results.
func (e *Engine) Execute(ctx context.Context, chunks []core.Chunk) (<-chan core.Record, <-chan Event) {
	records := make(chan core.Record, 64)
	events := make(chan Event, 64)

	e.execErr = nil
	e.state.Store(int32(StateRunning))

	go func() {
		defer close(records)
		defer close(events)
		defer e.state.Store(int32(StateClosed))

		ctx, span := tracer.Start(ctx, "pool.Execute")
		span.SetAttributes(
			attribute.Int("chunks", len(chunks)),
			attribute.Int("processes", e.cfg.Processes),
			attribute.Bool("multiprocess", e.Multiprocess()),
		)
		defer span.End()

		var err error
		if e.Multiprocess() {
			err = e.executeMultiprocess(ctx, chunks, records, events)
		} else {
			err = e.executeInProcess(ctx, chunks, records, events)
		}
		if err != nil {
			// Recorded before the deferred channel closes so consumers see
			// it through Err after draining; an abandoned chunk stream must
			// fail the run, not just its log line.
			e.execErr = err
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !errors.Is(err, context.Canceled) {
				e.logger.Error("pool execution failed", "error", err)
			}
		}
	}()

	return records, events
}

// -----------------------------------------------------------------------------
// In-Process Executor
// -----------------------------------------------------------------------------

// executeInProcess runs every chunk sequentially on the calling process.
// No serialization contract applies: items run as the live objects they are.
func (e *Engine) executeInProcess(ctx context.Context, chunks []core.Chunk, records chan<- core.Record, events chan<- Event) error {
	const workerID = "inproc"

	emit := func(rec core.Record) error {
		select {
		case records <- rec:
			e.metrics.recordEmitted()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	report := func(ev Event) error {
		return e.forwardEvent(ctx, events, ev)
	}

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == len(chunks)-1 {
			e.state.Store(int32(StateDraining))
		}
		runChunkItems(ctx, chunk, workerID, emit, report)
		e.metrics.chunkCompleted()
	}
	e.state.Store(int32(StateDraining))
	return ctx.Err()
}

// -----------------------------------------------------------------------------
// Multiprocess Executor
// -----------------------------------------------------------------------------

// seqChunk pairs a chunk with its submission sequence number.
type seqChunk struct {
	seq   int
	chunk core.Chunk
}

// executeMultiprocess fans the ordered chunk stream out to worker-owning
// supervisor goroutines and waits for them to drain.
func (e *Engine) executeMultiprocess(ctx context.Context, chunks []core.Chunk, records chan<- core.Record, events chan<- Event) error {
	workers := e.cfg.Processes
	if workers < 1 {
		workers = 1
	}

	group, gctx := errgroup.WithContext(ctx)

	// The feeder watches the group context, not the caller's: when every
	// supervisor has died the remaining chunks must be abandoned, not left
	// blocking this goroutine forever.
	pending := make(chan seqChunk)
	go func() {
		defer close(pending)
		for i, c := range chunks {
			select {
			case pending <- seqChunk{seq: i, chunk: c}:
			case <-gctx.Done():
				return
			}
		}
		e.state.Store(int32(StateDraining))
	}()

	for i := 0; i < workers; i++ {
		group.Go(func() error {
			return e.superviseWorker(gctx, pending, records, events)
		})
	}
	return group.Wait()
}

// superviseWorker owns at most one worker process at a time: it spawns,
// feeds chunks, retires workers whose chunk lifetime is spent, and replaces
// crashed workers. The supervisor polls worker liveness through the closed
// response stream and the recorded exit status; it never blocks on a chunk
// whose worker has died.
func (e *Engine) superviseWorker(ctx context.Context, pending <-chan seqChunk, records chan<- core.Record, events chan<- Event) error {
	var w workerProc
	chunksServed := 0

	defer func() {
		if w != nil {
			w.Shutdown()
			e.metrics.workerStopped()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if w != nil {
				w.Kill()
				e.metrics.workerStopped()
				w = nil
			}
			return ctx.Err()

		case sc, ok := <-pending:
			if !ok {
				return nil
			}

			if w == nil {
				var err error
				w, err = e.spawn()
				if err != nil {
					return fmt.Errorf("spawn worker: %w", err)
				}
				chunksServed = 0
				e.metrics.workerSpawned()
			}

			crashed := e.dispatchChunk(ctx, w, sc, records, events)
			e.metrics.chunkCompleted()

			if crashed {
				e.metrics.workerStopped()
				w = nil
				continue
			}

			chunksServed++
			if e.cfg.MaxChunksPerWorker > 0 && chunksServed >= e.cfg.MaxChunksPerWorker {
				e.logger.Debug("retiring worker after chunk lifetime",
					"worker_id", w.ID(),
					"chunks_served", chunksServed,
				)
				w.Shutdown()
				e.metrics.workerStopped()
				w = nil
			}
		}
	}
}

// dispatchChunk sends one chunk to a worker and pumps its responses until
// the chunk is done. Returns true when the worker is no longer usable; the
// chunk is then considered failed-and-complete so the engine cannot hang on
// it, and the supervisor replaces the worker.
func (e *Engine) dispatchChunk(ctx context.Context, w workerProc, sc seqChunk, records chan<- core.Record, events chan<- Event) (crashed bool) {
	wc, err := reduceChunk(e.registry, sc.seq, sc.chunk)
	if err != nil {
		// Portability is validated before execution, so this is unexpected;
		// report it in the serialization class and account the chunk done.
		_ = e.forwardEvent(ctx, events, Event{
			Time:     time.Now(),
			WorkerID: w.ID(),
			Kind:     EventSerialization,
			Message:  err.Error(),
		})
		return false
	}

	if err := w.Send(request{Type: msgChunk, Chunk: wc}); err != nil {
		e.reportCrash(ctx, w, sc, events, fmt.Errorf("send chunk: %w", err))
		return true
	}

	for {
		select {
		case <-ctx.Done():
			w.Kill()
			return true

		case resp, ok := <-w.Responses():
			if !ok {
				// Response stream closed without chunk_done: the process
				// exited while holding the chunk. Synthesize completion so
				// nothing waits on it and surface the exit as a crash.
				e.reportCrash(ctx, w, sc, events, w.Wait())
				return true
			}

			switch resp.Type {
			case msgRecord:
				rec, err := core.DecodeRecord(resp.Record)
				if err != nil {
					e.logger.Error("dropping undecodable record from worker",
						"worker_id", w.ID(),
						"error", err,
					)
					continue
				}
				select {
				case records <- rec:
					e.metrics.recordEmitted()
				case <-ctx.Done():
					w.Kill()
					return true
				}

			case msgEvent:
				if resp.Event != nil {
					_ = e.forwardEvent(ctx, events, resp.Event.event())
				}

			case msgChunkDone:
				return false

			default:
				e.logger.Warn("unknown response type from worker",
					"worker_id", w.ID(),
					"type", resp.Type,
				)
			}
		}
	}
}

// reportCrash emits the process-level failure event for a chunk whose worker
// exited abnormally.
func (e *Engine) reportCrash(ctx context.Context, w workerProc, sc seqChunk, events chan<- Event, cause error) {
	msg := fmt.Sprintf("worker exited abnormally while holding chunk %d (%d items)", sc.seq, len(sc.chunk.Items))
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	e.metrics.workerCrashed()
	e.logger.Error("worker crashed",
		"worker_id", w.ID(),
		"chunk", sc.seq,
		"error", cause,
	)
	_ = e.forwardEvent(ctx, events, Event{
		Time:     time.Now(),
		WorkerID: w.ID(),
		Kind:     EventWorkerCrash,
		Message:  msg,
	})
}

// forwardEvent pushes an event to the consumer, counting item failures and
// suppressing every serialization diagnostic after the first.
func (e *Engine) forwardEvent(ctx context.Context, events chan<- Event, ev Event) error {
	switch ev.Kind {
	case EventItemFailure:
		e.metrics.itemFailed()
	case EventSerialization:
		if e.serializationSeen.Swap(true) {
			return nil
		}
	}

	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
