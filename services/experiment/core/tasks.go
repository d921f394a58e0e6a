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
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// -----------------------------------------------------------------------------
// Simple Description Tasks
// -----------------------------------------------------------------------------

// SimpleLearnerInfo describes a learner by its family name and parameters.
type SimpleLearnerInfo struct{}

// Process returns the learner's family plus whatever parameters it reports.
func (SimpleLearnerInfo) Process(_ context.Context, learner Learner) (map[string]any, error) {
	row := make(map[string]any)
	if named, ok := learner.(Named); ok {
		row["family"] = named.Family()
	} else {
		row["family"] = fmt.Sprintf("%T", learner)
	}
	if desc, ok := learner.(Describable); ok {
		for k, v := range desc.Params() {
			row[k] = v
		}
	}
	return row, nil
}

// PortableForm implements Portable.
func (SimpleLearnerInfo) PortableForm() (Form, error) {
	return Form{Kind: KindLearnerTask, Name: "benchgrid/simple_learner_info"}, nil
}

// SimpleEnvironmentInfo describes an environment by its parameters and
// interaction count.
type SimpleEnvironmentInfo struct{}

// Process returns the environment's reported parameters plus the number of
// materialized interactions.
func (SimpleEnvironmentInfo) Process(_ context.Context, env Environment, interactions []Interaction) (map[string]any, error) {
	row := make(map[string]any)
	if desc, ok := env.(Describable); ok {
		for k, v := range desc.Params() {
			if v != nil {
				row[k] = v
			}
		}
	}
	row["n_interactions"] = len(interactions)
	return row, nil
}

// PortableForm implements Portable.
func (SimpleEnvironmentInfo) PortableForm() (Form, error) {
	return Form{Kind: KindEnvironmentTask, Name: "benchgrid/simple_environment_info"}, nil
}

// -----------------------------------------------------------------------------
// On-Policy Evaluation
// -----------------------------------------------------------------------------

// OnPolicyEvaluation drives a learner through an interaction stream: predict,
// sample an action from the returned probabilities, observe its reward,
// learn. One metric row is produced per interaction.
//
// Determinism: every Process call builds its own RNG from Seed, so a pair's
// rows are identical regardless of which worker or chunk evaluates it. The
// seed is explicit configuration, never ambient process state.
type OnPolicyEvaluation struct {
	// Seed initializes the action-sampling RNG.
	Seed int64 `json:"seed"`

	// Timings adds predict_time and learn_time (seconds) to every row.
	Timings bool `json:"timings"`
}

// Process implements EvaluationTask.
func (t OnPolicyEvaluation) Process(ctx context.Context, learner Learner, interactions []Interaction) ([]map[string]any, error) {
	rng := rand.New(rand.NewSource(t.Seed))
	rows := make([]map[string]any, 0, len(interactions))

	for i, interaction := range interactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		probs, err := learner.Predict(ctx, interaction.Context, interaction.Actions)
		predictTime := time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("predict interaction %d: %w", i, err)
		}
		if len(probs) != len(interaction.Actions) {
			return nil, fmt.Errorf("predict interaction %d: %d probabilities for %d actions", i, len(probs), len(interaction.Actions))
		}

		choice := sampleIndex(rng, probs)
		reward := interaction.Rewards[choice]
		probability := probs[choice]

		start = time.Now()
		err = learner.Learn(ctx, interaction.Context, interaction.Actions[choice], reward, probability)
		learnTime := time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("learn interaction %d: %w", i, err)
		}

		row := map[string]any{
			"reward":     reward,
			"max_reward": maxFloat(interaction.Rewards),
			"min_reward": minFloat(interaction.Rewards),
			"rank":       rewardRank(interaction.Rewards, reward),
			"n_actions":  len(interaction.Actions),
		}
		if t.Timings {
			row["predict_time"] = predictTime.Seconds()
			row["learn_time"] = learnTime.Seconds()
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// PortableForm implements Portable.
func (t OnPolicyEvaluation) PortableForm() (Form, error) {
	args, err := json.Marshal(t)
	if err != nil {
		return Form{}, err
	}
	return Form{Kind: KindEvaluationTask, Name: "benchgrid/on_policy_evaluation", Args: args}, nil
}

// sampleIndex draws an index from an unnormalized probability vector. A
// degenerate all-zero vector falls back to uniform choice.
func sampleIndex(rng *rand.Rand, probs []float64) int {
	total := 0.0
	for _, p := range probs {
		if p > 0 {
			total += p
		}
	}
	if total <= 0 {
		return rng.Intn(len(probs))
	}

	draw := rng.Float64() * total
	acc := 0.0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		acc += p
		if draw < acc {
			return i
		}
	}
	return len(probs) - 1
}

func maxFloat(vals []float64) float64 {
	best := vals[0]
	for _, v := range vals[1:] {
		if v > best {
			best = v
		}
	}
	return best
}

func minFloat(vals []float64) float64 {
	best := vals[0]
	for _, v := range vals[1:] {
		if v < best {
			best = v
		}
	}
	return best
}

// rewardRank returns the 1-based rank of reward among all rewards, with 1
// meaning the chosen action was optimal.
func rewardRank(rewards []float64, reward float64) int {
	rank := 1
	for _, r := range rewards {
		if r > reward {
			rank++
		}
	}
	return rank
}

// -----------------------------------------------------------------------------
// Default Task Registration
// -----------------------------------------------------------------------------

func init() {
	reg := DefaultRegistry()
	reg.MustRegister(KindLearnerTask, "benchgrid/simple_learner_info", func(json.RawMessage) (any, error) {
		return SimpleLearnerInfo{}, nil
	})
	reg.MustRegister(KindEnvironmentTask, "benchgrid/simple_environment_info", func(json.RawMessage) (any, error) {
		return SimpleEnvironmentInfo{}, nil
	})
	reg.MustRegister(KindEvaluationTask, "benchgrid/on_policy_evaluation", func(args json.RawMessage) (any, error) {
		var task OnPolicyEvaluation
		if len(args) > 0 {
			if err := json.Unmarshal(args, &task); err != nil {
				return nil, err
			}
		}
		return task, nil
	})
}
