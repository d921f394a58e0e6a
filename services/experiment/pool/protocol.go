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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
)

// The parent and its worker processes speak newline-delimited JSON over the
// worker's stdin/stdout. Work items cross the boundary in reduction form
// (constructor name + serializable arguments), never as live object graphs;
// the worker rebuilds them through its registry before use.

// Parent -> worker message types.
const (
	msgChunk    = "chunk"
	msgShutdown = "shutdown"
)

// Worker -> parent message types.
const (
	msgRecord    = "record"
	msgEvent     = "event"
	msgChunkDone = "chunk_done"
)

// request is one parent -> worker message.
type request struct {
	Type  string     `json:"type"`
	Chunk *wireChunk `json:"chunk,omitempty"`
}

// response is one worker -> parent message.
type response struct {
	Type string `json:"type"`
	Seq  int    `json:"seq,omitempty"`

	// Record is an encoded transaction line (the log codec doubles as the
	// wire codec).
	Record json.RawMessage `json:"record,omitempty"`

	Event *wireEvent `json:"event,omitempty"`
}

// wireChunk is a chunk reduced for cross-process transfer.
type wireChunk struct {
	Seq   int           `json:"seq"`
	Key   core.ChunkKey `json:"key"`
	Items []wireItem    `json:"items"`
}

// wireItem is one work item in reduction form.
type wireItem struct {
	Pair                core.PairID `json:"pair"`
	Learner             core.Form   `json:"learner"`
	Environment         core.Form   `json:"environment"`
	LearnerTask         core.Form   `json:"learner_task"`
	EnvironmentTask     core.Form   `json:"environment_task"`
	EvaluationTask      core.Form   `json:"evaluation_task"`
	DescribeLearner     bool        `json:"describe_learner,omitempty"`
	DescribeEnvironment bool        `json:"describe_environment,omitempty"`
}

// wireEvent mirrors Event with a wire-friendly timestamp. Error values and
// tracebacks cross the boundary as strings.
type wireEvent struct {
	TimeUnixNano int64        `json:"time"`
	WorkerID     string       `json:"worker_id"`
	Kind         EventKind    `json:"kind"`
	Message      string       `json:"message"`
	Stack        string       `json:"stack,omitempty"`
	Pair         *core.PairID `json:"pair,omitempty"`
}

func (w *wireEvent) event() Event {
	return Event{
		Time:     time.Unix(0, w.TimeUnixNano),
		WorkerID: w.WorkerID,
		Kind:     w.Kind,
		Message:  w.Message,
		Stack:    w.Stack,
		Pair:     w.Pair,
	}
}

func eventWire(e Event) *wireEvent {
	return &wireEvent{
		TimeUnixNano: e.Time.UnixNano(),
		WorkerID:     e.WorkerID,
		Kind:         e.Kind,
		Message:      e.Message,
		Stack:        e.Stack,
		Pair:         e.Pair,
	}
}

// reduceChunk converts a chunk to its wire form. A handle that cannot be
// reduced is a serialization failure, reported distinctly from runtime
// errors.
func reduceChunk(reg *core.Registry, seq int, chunk core.Chunk) (*wireChunk, error) {
	wc := &wireChunk{Seq: seq, Key: chunk.Key, Items: make([]wireItem, 0, len(chunk.Items))}
	for _, item := range chunk.Items {
		wi, err := reduceItem(reg, item)
		if err != nil {
			return nil, err
		}
		wc.Items = append(wc.Items, wi)
	}
	return wc, nil
}

func reduceItem(reg *core.Registry, item core.WorkItem) (wireItem, error) {
	forms, err := core.ReduceItem(reg, item)
	if err != nil {
		return wireItem{}, err
	}
	return wireItem{
		Pair:                item.Pair,
		Learner:             forms.Learner,
		Environment:         forms.Environment,
		LearnerTask:         forms.LearnerTask,
		EnvironmentTask:     forms.EnvironmentTask,
		EvaluationTask:      forms.EvaluationTask,
		DescribeLearner:     item.DescribeLearner,
		DescribeEnvironment: item.DescribeEnvironment,
	}, nil
}

// rebuildItem reconstructs a work item from its wire form inside a worker.
func rebuildItem(reg *core.Registry, wi wireItem) (core.WorkItem, error) {
	item, err := core.RebuildItem(reg, core.ItemForms{
		Learner:         wi.Learner,
		Environment:     wi.Environment,
		LearnerTask:     wi.LearnerTask,
		EnvironmentTask: wi.EnvironmentTask,
		EvaluationTask:  wi.EvaluationTask,
	})
	if err != nil {
		return core.WorkItem{}, err
	}
	item.Pair = wi.Pair
	item.DescribeLearner = wi.DescribeLearner
	item.DescribeEnvironment = wi.DescribeEnvironment
	return item, nil
}

// -----------------------------------------------------------------------------
// Worker Side
// -----------------------------------------------------------------------------

// ServeWorker runs the worker side of the protocol: read chunk requests from
// r, execute them sequentially, and stream records and events to w. It
// returns when a shutdown message arrives, r reaches EOF, or ctx is
// cancelled.
//
// This is the entry point for the hidden worker subcommand, and is exported
// so binaries embedding the engine can serve the protocol themselves.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, reg *core.Registry, workerID string) error {
	if reg == nil {
		reg = core.DefaultRegistry()
	}

	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return fmt.Errorf("worker %s: malformed request: %w", workerID, err)
		}

		switch req.Type {
		case msgShutdown:
			return nil

		case msgChunk:
			if req.Chunk == nil {
				return fmt.Errorf("worker %s: chunk request without chunk", workerID)
			}
			if err := serveChunk(ctx, enc, reg, workerID, req.Chunk); err != nil {
				return err
			}

		default:
			return fmt.Errorf("worker %s: unknown request type %q", workerID, req.Type)
		}
	}
	return scanner.Err()
}

// serveChunk rebuilds and executes one chunk, always finishing with a
// chunk_done message so the parent never waits on a chunk that produced
// nothing.
func serveChunk(ctx context.Context, enc *json.Encoder, reg *core.Registry, workerID string, wc *wireChunk) error {
	emit := func(rec core.Record) error {
		line, err := core.EncodeRecord(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return enc.Encode(response{Type: msgRecord, Seq: wc.Seq, Record: line})
	}
	report := func(ev Event) error {
		return enc.Encode(response{Type: msgEvent, Seq: wc.Seq, Event: eventWire(ev)})
	}

	items := make([]core.WorkItem, 0, len(wc.Items))
	for _, wi := range wc.Items {
		item, err := rebuildItem(reg, wi)
		if err != nil {
			// The parent validated portability before dispatch, so a rebuild
			// failure here is still the serialization class, not a crash.
			if rerr := report(Event{
				Time:     time.Now(),
				WorkerID: workerID,
				Kind:     EventSerialization,
				Message:  err.Error(),
				Pair:     &wi.Pair,
			}); rerr != nil {
				return rerr
			}
			continue
		}
		items = append(items, item)
	}

	runChunkItems(ctx, core.Chunk{Key: wc.Key, Items: items}, workerID, emit, report)

	return enc.Encode(response{Type: msgChunkDone, Seq: wc.Seq})
}
