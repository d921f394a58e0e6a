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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
	"github.com/stretchr/testify/require"
)

// uniLearner predicts uniformly and is portable under "pooltest/learner".
type uniLearner struct {
	Name string `json:"name"`
}

func (l *uniLearner) Family() string { return "uniform" }

func (l *uniLearner) Params() map[string]any { return map[string]any{"name": l.Name} }

func (l *uniLearner) Predict(_ context.Context, _ []float64, actions [][]float64) ([]float64, error) {
	probs := make([]float64, len(actions))
	for i := range probs {
		probs[i] = 1.0 / float64(len(actions))
	}
	return probs, nil
}

func (l *uniLearner) Learn(context.Context, []float64, []float64, float64, float64) error {
	return nil
}

func (l *uniLearner) PortableForm() (core.Form, error) {
	args, err := json.Marshal(l)
	if err != nil {
		return core.Form{}, err
	}
	return core.Form{Kind: core.KindLearner, Name: "pooltest/learner", Args: args}, nil
}

// panicLearner panics on every prediction.
type panicLearner struct{}

func (*panicLearner) Predict(context.Context, []float64, [][]float64) ([]float64, error) {
	panic("prediction blew up")
}

func (*panicLearner) Learn(context.Context, []float64, []float64, float64, float64) error {
	return nil
}

// gridEnv serves N two-action interactions and is portable under
// "pooltest/env". Reads are counted so tests can verify per-chunk caching.
type gridEnv struct {
	N     int   `json:"n"`
	reads int64 // atomic
}

func (e *gridEnv) Params() map[string]any { return map[string]any{"n": e.N} }

func (e *gridEnv) Read(context.Context) ([]core.Interaction, error) {
	atomic.AddInt64(&e.reads, 1)
	out := make([]core.Interaction, e.N)
	for i := range out {
		out[i] = core.Interaction{
			Context: []float64{float64(i)},
			Actions: [][]float64{{1, 0}, {0, 1}},
			Rewards: []float64{0.2, 0.8},
		}
	}
	return out, nil
}

func (e *gridEnv) Reads() int64 { return atomic.LoadInt64(&e.reads) }

func (e *gridEnv) PortableForm() (core.Form, error) {
	args, err := json.Marshal(e)
	if err != nil {
		return core.Form{}, err
	}
	return core.Form{Kind: core.KindEnvironment, Name: "pooltest/env", Args: args}, nil
}

// failEnv fails every read.
type failEnv struct{ cause error }

func (e *failEnv) Read(context.Context) ([]core.Interaction, error) {
	return nil, e.cause
}

func poolTestRegistry() *core.Registry {
	reg := core.NewRegistry()
	reg.MustRegister(core.KindLearner, "pooltest/learner", func(args json.RawMessage) (any, error) {
		l := &uniLearner{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, l); err != nil {
				return nil, err
			}
		}
		return l, nil
	})
	reg.MustRegister(core.KindEnvironment, "pooltest/env", func(args json.RawMessage) (any, error) {
		e := &gridEnv{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, e); err != nil {
				return nil, err
			}
		}
		return e, nil
	})
	reg.MustRegister(core.KindLearnerTask, "benchgrid/simple_learner_info", func(json.RawMessage) (any, error) {
		return core.SimpleLearnerInfo{}, nil
	})
	reg.MustRegister(core.KindEnvironmentTask, "benchgrid/simple_environment_info", func(json.RawMessage) (any, error) {
		return core.SimpleEnvironmentInfo{}, nil
	})
	reg.MustRegister(core.KindEvaluationTask, "benchgrid/on_policy_evaluation", func(args json.RawMessage) (any, error) {
		var task core.OnPolicyEvaluation
		if len(args) > 0 {
			if err := json.Unmarshal(args, &task); err != nil {
				return nil, err
			}
		}
		return task, nil
	})
	return reg
}

func poolTestTasks() core.Tasks {
	return core.Tasks{
		Learner:     core.SimpleLearnerInfo{},
		Environment: core.SimpleEnvironmentInfo{},
		Evaluation:  core.OnPolicyEvaluation{Seed: 5},
	}
}

// buildChunks assembles the full grid into chunks the way the orchestrator
// does.
func buildChunks(t *testing.T, learners []core.Learner, envs []core.Environment, processes int) []core.Chunk {
	t.Helper()
	items, _, _, err := core.BuildWorkItems(core.GridPairs(learners, envs), poolTestTasks())
	require.NoError(t, err)
	return core.GroupItems(items, processes)
}

// drain collects both engine output channels to completion.
func drain(records <-chan core.Record, events <-chan Event) ([]core.Record, []Event) {
	var recs []core.Record
	var evs []Event
	for records != nil || events != nil {
		select {
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			recs = append(recs, rec)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			evs = append(evs, ev)
		}
	}
	return recs, evs
}

func countKinds(recs []core.Record) map[core.RecordKind]int {
	counts := make(map[core.RecordKind]int)
	for _, rec := range recs {
		counts[rec.Kind]++
	}
	return counts
}

// -----------------------------------------------------------------------------
// Scripted Workers
// -----------------------------------------------------------------------------

// loopbackWorker runs the real worker protocol over in-memory pipes, so the
// multiprocess path is exercised end to end without spawning processes.
type loopbackWorker struct {
	id        string
	stdin     io.WriteCloser
	stdout    *io.PipeReader
	enc       *json.Encoder
	responses chan response
	done      chan struct{}
	serveErr  error
}

func spawnLoopback(reg *core.Registry, spawned *int64) spawnFunc {
	return func() (workerProc, error) {
		n := atomic.AddInt64(spawned, 1)
		w := &loopbackWorker{
			id:        fmt.Sprintf("loopback-%d", n),
			responses: make(chan response, 64),
			done:      make(chan struct{}),
		}

		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		w.stdin = inW
		w.stdout = outR
		w.enc = json.NewEncoder(inW)

		go func() {
			defer close(w.done)
			w.serveErr = ServeWorker(context.Background(), inR, outW, reg, w.id)
			_ = outW.Close()
			_ = inR.Close()
		}()

		go func() {
			defer close(w.responses)
			dec := json.NewDecoder(outR)
			for {
				var resp response
				if err := dec.Decode(&resp); err != nil {
					return
				}
				w.responses <- resp
			}
		}()

		return w, nil
	}
}

func (w *loopbackWorker) ID() string { return w.id }

func (w *loopbackWorker) Send(req request) error { return w.enc.Encode(req) }

func (w *loopbackWorker) Responses() <-chan response { return w.responses }

func (w *loopbackWorker) Wait() error {
	<-w.done
	return w.serveErr
}

func (w *loopbackWorker) Shutdown() {
	_ = w.Send(request{Type: msgShutdown})
	_ = w.stdin.Close()
	<-w.done
}

func (w *loopbackWorker) Kill() {
	_ = w.stdin.Close()
	// Break the output pipe too, in case the serve loop is mid-write.
	_ = w.stdout.CloseWithError(io.ErrClosedPipe)
	<-w.done
}

// crashWorker accepts a chunk and then dies without acknowledging it.
type crashWorker struct {
	id        string
	responses chan response
}

func newCrashWorker(id string) *crashWorker {
	return &crashWorker{id: id, responses: make(chan response)}
}

func (w *crashWorker) ID() string { return w.id }

func (w *crashWorker) Send(request) error {
	close(w.responses)
	return nil
}

func (w *crashWorker) Responses() <-chan response { return w.responses }

func (w *crashWorker) Wait() error { return errors.New("exit status 137") }

func (w *crashWorker) Shutdown() {}

func (w *crashWorker) Kill() {}
