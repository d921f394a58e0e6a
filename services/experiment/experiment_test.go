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
	"bytes"
	"context"
	"testing"

	"github.com/AleutianAI/benchgrid/services/experiment/bandit"
	"github.com/AleutianAI/benchgrid/services/experiment/core"
	"github.com/AleutianAI/benchgrid/services/experiment/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLearner predicts uniformly.
type stubLearner struct{ name string }

func (l *stubLearner) Family() string { return l.name }

func (l *stubLearner) Params() map[string]any { return map[string]any{"name": l.name} }

func (l *stubLearner) Predict(_ context.Context, _ []float64, actions [][]float64) ([]float64, error) {
	probs := make([]float64, len(actions))
	for i := range probs {
		probs[i] = 1.0 / float64(len(actions))
	}
	return probs, nil
}

func (l *stubLearner) Learn(context.Context, []float64, []float64, float64, float64) error {
	return nil
}

// stubEnv serves n fixed two-action interactions.
type stubEnv struct{ n int }

func (e *stubEnv) Params() map[string]any { return map[string]any{"n": e.n} }

func (e *stubEnv) Read(context.Context) ([]Interaction, error) {
	out := make([]Interaction, e.n)
	for i := range out {
		out[i] = Interaction{
			Context: []float64{float64(i)},
			Actions: [][]float64{{1, 0}, {0, 1}},
			Rewards: []float64{0.3, 0.7},
		}
	}
	return out, nil
}

func grid(nLearners, nEnvs int) ([]Learner, []Environment) {
	learners := make([]Learner, nLearners)
	for i := range learners {
		learners[i] = &stubLearner{name: string(rune('a' + i))}
	}
	envs := make([]Environment, nEnvs)
	for i := range envs {
		envs[i] = &stubEnv{n: 3}
	}
	return learners, envs
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	err := Config{Processes: 0}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)

	err = Config{Processes: 1, MaxItemsPerChunk: -1}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_Validation(t *testing.T) {
	learners, envs := grid(1, 1)

	_, err := New([]Learner{nil}, envs)
	require.ErrorIs(t, err, ErrNilLearner)

	_, err = New(learners, []Environment{nil})
	require.ErrorIs(t, err, ErrNilEnvironment)

	_, err = New(learners, envs, WithConfig(Config{Processes: 0}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_FreshGrid(t *testing.T) {
	learners, envs := grid(3, 2)
	exp, err := New(learners, envs, WithDescription("fresh grid"))
	require.NoError(t, err)

	log := store.NewListLog()
	result, err := exp.Run(context.Background(), RunOptions{Log: log, Seed: 9})
	require.NoError(t, err)

	require.True(t, result.HasMeta)
	assert.Equal(t, 3, result.Meta.NLearners)
	assert.Equal(t, 2, result.Meta.NEnvironments)
	assert.Equal(t, "fresh grid", result.Meta.Description)
	assert.Equal(t, int64(9), result.Meta.Seed)

	assert.Len(t, result.Learners, 3)
	assert.Len(t, result.Environments, 2)
	assert.Len(t, result.Pairs(), 6)
	for _, pair := range result.Pairs() {
		assert.Len(t, result.Evaluations[pair], 3)
	}

	// Metadata, one description per learner and environment, one terminal
	// record per pair.
	assert.Equal(t, 1+3+2+6, log.Len())

	var firstLine []byte
	_ = log.Scan(func(line []byte) error {
		if firstLine == nil {
			firstLine = append([]byte{}, line...)
		}
		return nil
	})
	assert.True(t, bytes.HasPrefix(firstLine, []byte(`["T0"`)), "metadata is the first record")
}

func TestRun_NilLogStillYieldsResult(t *testing.T) {
	learners, envs := grid(1, 1)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	result, err := exp.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Pairs(), 1)
}

func TestRun_ResumeSkipsFinishedPairs(t *testing.T) {
	log := store.NewListLog()

	write := func(rec Record) {
		line, err := core.EncodeRecord(rec)
		require.NoError(t, err)
		require.NoError(t, log.Write(line))
	}

	// A prior 2x2 run that finished two pairs before being interrupted.
	write(core.RunMetaRecord(RunMeta{NLearners: 2, NEnvironments: 2, Seed: 9}))
	write(core.LearnerDescRecord(0, map[string]any{"family": "a"}))
	write(core.LearnerDescRecord(1, map[string]any{"family": "b"}))
	write(core.EnvironmentDescRecord(0, map[string]any{"n_interactions": 3}))
	write(core.EnvironmentDescRecord(1, map[string]any{"n_interactions": 3}))
	write(core.EvaluationRecord(PairID{Env: 0, Lrn: 0}, []map[string]any{{"reward": 0.3}}))
	write(core.EvaluationRecord(PairID{Env: 0, Lrn: 1}, []map[string]any{{"reward": 0.7}}))
	linesBefore := log.Len()

	learners, envs := grid(2, 2)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	result, err := exp.Run(context.Background(), RunOptions{Log: log, Seed: 9})
	require.NoError(t, err)

	// Only the two unfinished pairs produced records: no second metadata
	// record and no re-described learners or environments.
	assert.Equal(t, linesBefore+2, log.Len())
	assert.Len(t, result.Pairs(), 4)

	// The restored pair kept its original rows.
	require.Len(t, result.Evaluations[PairID{Env: 0, Lrn: 0}], 1)
	assert.Equal(t, 0.3, result.Evaluations[PairID{Env: 0, Lrn: 0}][0]["reward"])
}

func TestRun_CompletedLogRecomputesNothing(t *testing.T) {
	learners, envs := grid(2, 2)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	log := store.NewListLog()
	_, err = exp.Run(context.Background(), RunOptions{Log: log, Seed: 1})
	require.NoError(t, err)
	lines := log.Len()

	result, err := exp.Run(context.Background(), RunOptions{Log: log, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, lines, log.Len(), "a finished log is a no-op run")
	assert.Len(t, result.Pairs(), 4)
}

func TestRun_IncompatibleLogIsFatal(t *testing.T) {
	log := store.NewListLog()
	line, err := core.EncodeRecord(core.RunMetaRecord(RunMeta{NLearners: 3, NEnvironments: 1}))
	require.NoError(t, err)
	require.NoError(t, log.Write(line))

	learners, envs := grid(2, 2)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	_, err = exp.Run(context.Background(), RunOptions{Log: log})
	require.ErrorIs(t, err, ErrIncompatibleLog)
	assert.Equal(t, 1, log.Len(), "a mismatched log is never written to")
}

func TestRun_MalformedLogIsFatal(t *testing.T) {
	log := store.NewListLog()
	require.NoError(t, log.Write([]byte("corrupted")))

	learners, envs := grid(1, 1)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	_, err = exp.Run(context.Background(), RunOptions{Log: log})
	require.ErrorIs(t, err, ErrMalformedLog)
}

func TestRun_NonPortableHandlesFailFastInMultiprocess(t *testing.T) {
	learners, envs := grid(2, 1)
	exp, err := New(learners, envs, WithConfig(Config{Processes: 2}))
	require.NoError(t, err)

	log := store.NewListLog()
	_, err = exp.Run(context.Background(), RunOptions{Log: log})
	require.ErrorIs(t, err, ErrNotPortable)
	assert.Contains(t, err.Error(), "processes=1")
	assert.Zero(t, log.Len(), "the log is untouched on a serialization failure")
}

func TestRun_WorkerSpawnFailureFailsRun(t *testing.T) {
	// Portable components pass validation, so the run reaches the pool and
	// only there discovers the worker binary cannot start. That must come
	// back as an error, not as a clean result with zero evaluations.
	learners := []Learner{bandit.RandomLearner{}, bandit.NewEpsilonGreedy(0.1)}
	envs := []Environment{bandit.LinearSynthetic{
		NInteractions: 4, NActions: 2, NContextFeatures: 2, NActionFeatures: 2, Seed: 1,
	}}

	exp, err := New(learners, envs,
		WithConfig(Config{Processes: 2}),
		WithWorkerCommand([]string{"/nonexistent-benchgrid-worker"}))
	require.NoError(t, err)

	log := store.NewListLog()
	_, err = exp.Run(context.Background(), RunOptions{Log: log})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool execution")
	assert.Equal(t, 1, log.Len(), "only the metadata record lands before the pool fails")
}

func TestRun_SingleProcessNeedsNoPortability(t *testing.T) {
	// The same non-portable handles are fine without process isolation.
	learners, envs := grid(2, 1)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	result, err := exp.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Pairs(), 2)
}

func TestRun_EvaluationTaskOverride(t *testing.T) {
	learners, envs := grid(1, 1)
	exp, err := New(learners, envs,
		WithEvaluationTask(OnPolicyEvaluation{Seed: 42, Timings: true}))
	require.NoError(t, err)

	result, err := exp.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	rows := result.Evaluations[PairID{Env: 0, Lrn: 0}]
	require.NotEmpty(t, rows)
	assert.Contains(t, rows[0], "predict_time")
	assert.Contains(t, rows[0], "learn_time")
}

func TestRun_SameSeedSameRewards(t *testing.T) {
	run := func() []float64 {
		learners, envs := grid(2, 2)
		exp, err := New(learners, envs)
		require.NoError(t, err)
		result, err := exp.Run(context.Background(), RunOptions{Seed: 123})
		require.NoError(t, err)

		var rewards []float64
		for _, pair := range result.Pairs() {
			for _, row := range result.Evaluations[pair] {
				rewards = append(rewards, row["reward"].(float64))
			}
		}
		return rewards
	}

	assert.Equal(t, run(), run())
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	learners, envs := grid(2, 2)
	exp, err := New(learners, envs)
	require.NoError(t, err)

	_, err = exp.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_ChunkSizeLimitStillCoversGrid(t *testing.T) {
	learners, envs := grid(4, 1)
	exp, err := New(learners, envs,
		WithConfig(Config{Processes: 1, MaxItemsPerChunk: 1}))
	require.NoError(t, err)

	result, err := exp.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Pairs(), 4)
	assert.Len(t, result.Learners, 4)
}
