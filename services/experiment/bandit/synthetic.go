// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
)

// -----------------------------------------------------------------------------
// Linear Synthetic Environment
// -----------------------------------------------------------------------------

// LinearSynthetic generates interactions whose expected reward is a fixed
// linear function of the context and action features. Two environments with
// the same configuration produce identical interactions, so results are
// reproducible and a resumed run re-derives exactly the data it logged
// against.
type LinearSynthetic struct {
	// NInteractions is the number of interactions Read produces.
	NInteractions int `json:"n_interactions"`

	// NActions is the number of actions per interaction.
	NActions int `json:"n_actions"`

	// NContextFeatures is the context vector length.
	NContextFeatures int `json:"n_context_features"`

	// NActionFeatures is each action vector's length.
	NActionFeatures int `json:"n_action_features"`

	// Seed determines the reward weights and all feature draws.
	Seed int64 `json:"seed"`
}

// Params implements core.Describable.
func (e LinearSynthetic) Params() map[string]any {
	return map[string]any{
		"env_type":           "linear_synthetic",
		"n_actions":          e.NActions,
		"n_context_features": e.NContextFeatures,
		"n_action_features":  e.NActionFeatures,
		"seed":               e.Seed,
	}
}

// Read materializes the full interaction stream.
//
// Description:
//
//	A single weight vector over the concatenated context and action features
//	is drawn first, then each interaction's features. Rewards are the linear
//	scores min-max normalized per interaction into [0, 1], so "max_reward"
//	is always 1 and a perfect policy is directly comparable across
//	environments.
func (e LinearSynthetic) Read(ctx context.Context) ([]core.Interaction, error) {
	if e.NInteractions <= 0 || e.NActions <= 0 {
		return nil, fmt.Errorf("linear synthetic: need positive interaction and action counts, got %d and %d",
			e.NInteractions, e.NActions)
	}

	rng := rand.New(rand.NewSource(e.Seed))

	nFeatures := e.NContextFeatures + e.NActionFeatures
	weights := make([]float64, nFeatures)
	for i := range weights {
		weights[i] = rng.Float64()*2 - 1
	}

	interactions := make([]core.Interaction, 0, e.NInteractions)
	for n := 0; n < e.NInteractions; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ctxVec := randVector(rng, e.NContextFeatures)
		actions := make([][]float64, e.NActions)
		scores := make([]float64, e.NActions)
		for a := range actions {
			actions[a] = randVector(rng, e.NActionFeatures)
			scores[a] = linearScore(weights, ctxVec, actions[a])
		}

		interactions = append(interactions, core.Interaction{
			Context: ctxVec,
			Actions: actions,
			Rewards: normalize(scores),
		})
	}
	return interactions, nil
}

// PortableForm implements core.Portable.
func (e LinearSynthetic) PortableForm() (core.Form, error) {
	args, err := json.Marshal(e)
	if err != nil {
		return core.Form{}, err
	}
	return core.Form{Kind: core.KindEnvironment, Name: NameLinearSynthetic, Args: args}, nil
}

// randVector draws n features uniformly in [0, 1).
func randVector(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.Float64()
	}
	return v
}

// linearScore dots the weight vector with the concatenated features.
func linearScore(weights, context, action []float64) float64 {
	score := 0.0
	for i, c := range context {
		score += weights[i] * c
	}
	off := len(context)
	for i, a := range action {
		score += weights[off+i] * a
	}
	return score
}

// normalize rescales scores into [0, 1] per interaction. A degenerate
// interaction where every action scores identically rewards 1 everywhere.
func normalize(scores []float64) []float64 {
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	rewards := make([]float64, len(scores))
	if hi == lo {
		for i := range rewards {
			rewards[i] = 1
		}
		return rewards
	}
	for i, s := range scores {
		rewards[i] = (s - lo) / (hi - lo)
	}
	return rewards
}
