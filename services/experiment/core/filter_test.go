// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridItems(t *testing.T, nLearners, nEnvs int) []WorkItem {
	t.Helper()
	learners := make([]Learner, nLearners)
	for i := range learners {
		learners[i] = &fakeLearner{name: "l"}
	}
	envs := make([]Environment, nEnvs)
	for i := range envs {
		envs[i] = &fakeEnv{name: "e"}
	}
	items, _, _, err := BuildWorkItems(GridPairs(learners, envs), defaultTasks())
	require.NoError(t, err)
	return items
}

func TestFilterFinished_NilPrior(t *testing.T) {
	items := gridItems(t, 2, 2)
	assert.Equal(t, items, FilterFinished(items, nil))
}

func TestFilterFinished_EmptyPrior(t *testing.T) {
	items := gridItems(t, 2, 2)
	remaining := FilterFinished(items, NewResult())
	assert.Equal(t, items, remaining)
}

func TestFilterFinished_DropsFinishedPairs(t *testing.T) {
	items := gridItems(t, 2, 2)

	prior := NewResult()
	prior.Apply(EvaluationRecord(PairID{Env: 0, Lrn: 0}, nil))
	prior.Apply(EvaluationRecord(PairID{Env: 1, Lrn: 1}, nil))

	remaining := FilterFinished(items, prior)
	require.Len(t, remaining, 2)
	assert.Equal(t, PairID{Env: 0, Lrn: 1}, remaining[0].Pair)
	assert.Equal(t, PairID{Env: 1, Lrn: 0}, remaining[1].Pair)
}

func TestFilterFinished_RehomesDescriptionFlags(t *testing.T) {
	items := gridItems(t, 2, 2)

	// The items that originally carried description duty for learner 0 and
	// environment 0 are finished; the flags must move to remaining items.
	prior := NewResult()
	prior.Apply(EvaluationRecord(PairID{Env: 0, Lrn: 0}, nil))

	remaining := FilterFinished(items, prior)
	require.Len(t, remaining, 3)

	describedLearners := map[int]int{}
	describedEnvs := map[int]int{}
	for _, item := range remaining {
		if item.DescribeLearner {
			describedLearners[item.Pair.Lrn]++
		}
		if item.DescribeEnvironment {
			describedEnvs[item.Pair.Env]++
		}
	}
	// Every identity still gets described exactly once.
	assert.Equal(t, map[int]int{0: 1, 1: 1}, describedLearners)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, describedEnvs)
}

func TestFilterFinished_SkipsAlreadyDescribed(t *testing.T) {
	items := gridItems(t, 2, 2)

	// The log already holds learner 0's description; no remaining item
	// should describe it again.
	prior := NewResult()
	prior.Apply(EvaluationRecord(PairID{Env: 0, Lrn: 0}, nil))
	prior.Apply(LearnerDescRecord(0, map[string]any{"family": "l"}))
	prior.Apply(EnvironmentDescRecord(0, map[string]any{"n_interactions": float64(3)}))

	remaining := FilterFinished(items, prior)
	for _, item := range remaining {
		if item.Pair.Lrn == 0 {
			assert.False(t, item.DescribeLearner)
		}
		if item.Pair.Env == 0 {
			assert.False(t, item.DescribeEnvironment)
		}
	}
}

func TestFilterFinished_AllFinished(t *testing.T) {
	items := gridItems(t, 2, 2)

	prior := NewResult()
	for _, item := range items {
		prior.Apply(EvaluationRecord(item.Pair, nil))
	}

	assert.Empty(t, FilterFinished(items, prior))
}
