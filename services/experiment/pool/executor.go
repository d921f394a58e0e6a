// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
)

// runChunkItems executes a chunk's items sequentially. It is the one item
// execution path, shared by the in-process executor and the worker side of
// the protocol, so both modes produce identical records for identical items.
//
// Environment reads are cached per chunk: an environment-keyed chunk
// materializes its interactions once for every learner in it.
//
// A failing item (error or panic in task logic) is reported and skipped; it
// never aborts sibling items, and its pair is left without a terminal record
// so a later resume retries it.
func runChunkItems(
	ctx context.Context,
	chunk core.Chunk,
	workerID string,
	emit func(core.Record) error,
	report func(Event) error,
) {
	envCache := make(map[int][]core.Interaction)

	for _, item := range chunk.Items {
		item := item // per-iteration copy: Event.Pair keeps a pointer past the loop
		if ctx.Err() != nil {
			return
		}
		if err := runItem(ctx, item, envCache, emit); err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = report(Event{
				Time:     time.Now(),
				WorkerID: workerID,
				Kind:     EventItemFailure,
				Message:  err.Error(),
				Stack:    stackOf(err),
				Pair:     &item.Pair,
			})
		}
	}
}

// panicError carries a recovered panic value with its rendered stack, since
// stack traces only cross the process boundary as strings.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func stackOf(err error) string {
	if p, ok := err.(*panicError); ok {
		return p.stack
	}
	return ""
}

// runItem runs one work item: materialize interactions, run whichever
// description tasks this item carries, then evaluate. The evaluation record
// is emitted last and only on full success, making it the pair's terminal
// marker.
func runItem(
	ctx context.Context,
	item core.WorkItem,
	envCache map[int][]core.Interaction,
	emit func(core.Record) error,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	interactions, cached := envCache[item.Pair.Env]
	if !cached {
		interactions, err = item.Environment.Read(ctx)
		if err != nil {
			return fmt.Errorf("read environment %d: %w", item.Pair.Env, err)
		}
		envCache[item.Pair.Env] = interactions
	}

	if item.DescribeLearner {
		row, err := item.Tasks.Learner.Process(ctx, item.Learner)
		if err != nil {
			return fmt.Errorf("describe learner %d: %w", item.Pair.Lrn, err)
		}
		if err := emit(core.LearnerDescRecord(item.Pair.Lrn, row)); err != nil {
			return err
		}
	}

	if item.DescribeEnvironment {
		row, err := item.Tasks.Environment.Process(ctx, item.Environment, interactions)
		if err != nil {
			return fmt.Errorf("describe environment %d: %w", item.Pair.Env, err)
		}
		if err := emit(core.EnvironmentDescRecord(item.Pair.Env, row)); err != nil {
			return err
		}
	}

	rows, err := item.Tasks.Evaluation.Process(ctx, item.Learner, interactions)
	if err != nil {
		return fmt.Errorf("evaluate pair %s: %w", item.Pair, err)
	}
	return emit(core.EvaluationRecord(item.Pair, rows))
}
