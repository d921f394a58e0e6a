// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit provides baseline contextual-bandit learners and synthetic
// environments. Everything here is portable across worker processes and
// registered in the default constructor registry, so the CLI can name these
// components in a run configuration.
package bandit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrBadProbabilities is returned when a fixed learner's probability
	// vector does not match the interaction's action count.
	ErrBadProbabilities = errors.New("probability vector does not match action count")
)

// -----------------------------------------------------------------------------
// Random Learner
// -----------------------------------------------------------------------------

// RandomLearner plays uniformly at random: every action gets equal
// probability and feedback is ignored. It is the floor any real policy must
// beat.
type RandomLearner struct{}

// Family implements core.Named.
func (RandomLearner) Family() string { return "random" }

// Params implements core.Describable.
func (RandomLearner) Params() map[string]any {
	return map[string]any{"family": "random"}
}

// Predict returns a uniform distribution over the available actions.
func (RandomLearner) Predict(_ context.Context, _ []float64, actions [][]float64) ([]float64, error) {
	if len(actions) == 0 {
		return nil, errors.New("no actions to predict over")
	}
	probs := make([]float64, len(actions))
	p := 1.0 / float64(len(actions))
	for i := range probs {
		probs[i] = p
	}
	return probs, nil
}

// Learn is a no-op.
func (RandomLearner) Learn(_ context.Context, _ []float64, _ []float64, _, _ float64) error {
	return nil
}

// PortableForm implements core.Portable.
func (RandomLearner) PortableForm() (core.Form, error) {
	return core.Form{Kind: core.KindLearner, Name: NameRandom}, nil
}

// -----------------------------------------------------------------------------
// Fixed Learner
// -----------------------------------------------------------------------------

// FixedLearner plays a constant probability vector regardless of context and
// ignores feedback. Useful for pinning down expected results in tests and for
// encoding a known static policy.
//
// Use it behind a pointer when handing it to an experiment: the slice field
// makes the value form unusable as a learner identity.
type FixedLearner struct {
	// Probabilities is the distribution played on every interaction. Its
	// length must match the action count of every interaction evaluated.
	Probabilities []float64 `json:"probabilities"`
}

// Family implements core.Named.
func (FixedLearner) Family() string { return "fixed" }

// Params implements core.Describable.
func (l FixedLearner) Params() map[string]any {
	return map[string]any{"family": "fixed", "probabilities": l.Probabilities}
}

// Predict returns the fixed distribution.
func (l FixedLearner) Predict(_ context.Context, _ []float64, actions [][]float64) ([]float64, error) {
	if len(l.Probabilities) != len(actions) {
		return nil, fmt.Errorf("%w: %d probabilities, %d actions", ErrBadProbabilities, len(l.Probabilities), len(actions))
	}
	out := make([]float64, len(l.Probabilities))
	copy(out, l.Probabilities)
	return out, nil
}

// Learn is a no-op.
func (FixedLearner) Learn(_ context.Context, _ []float64, _ []float64, _, _ float64) error {
	return nil
}

// PortableForm implements core.Portable.
func (l FixedLearner) PortableForm() (core.Form, error) {
	args, err := json.Marshal(l)
	if err != nil {
		return core.Form{}, err
	}
	return core.Form{Kind: core.KindLearner, Name: NameFixed, Args: args}, nil
}

// -----------------------------------------------------------------------------
// Epsilon-Greedy Learner
// -----------------------------------------------------------------------------

// EpsilonGreedy estimates each action's mean reward and plays the best
// estimate with probability 1-epsilon, exploring uniformly otherwise.
// Actions are identified by their feature vector, so the same action seen in
// different interactions shares one estimate.
//
// Thread Safety: not safe for concurrent use. The engine drives a learner
// from a single goroutine, which is the intended usage.
type EpsilonGreedy struct {
	// Epsilon is the exploration probability in [0, 1].
	Epsilon float64 `json:"epsilon"`

	rewards map[string]*runningMean
}

// runningMean is an incremental average of observed rewards for one action.
type runningMean struct {
	sum   float64
	count int
}

func (m *runningMean) add(v float64) {
	m.sum += v
	m.count++
}

func (m *runningMean) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// NewEpsilonGreedy builds an epsilon-greedy learner with no prior estimates.
func NewEpsilonGreedy(epsilon float64) *EpsilonGreedy {
	return &EpsilonGreedy{Epsilon: epsilon, rewards: make(map[string]*runningMean)}
}

// Family implements core.Named.
func (*EpsilonGreedy) Family() string { return "epsilon_greedy" }

// Params implements core.Describable.
func (l *EpsilonGreedy) Params() map[string]any {
	return map[string]any{"family": "epsilon_greedy", "epsilon": l.Epsilon}
}

// Predict spreads epsilon uniformly across all actions and the remaining
// mass uniformly across the actions tied for the best estimated reward.
// Unseen actions estimate to zero, the optimistic floor of the [0, 1] reward
// range.
func (l *EpsilonGreedy) Predict(_ context.Context, _ []float64, actions [][]float64) ([]float64, error) {
	if len(actions) == 0 {
		return nil, errors.New("no actions to predict over")
	}

	best := make([]int, 0, len(actions))
	bestMean := 0.0
	for i, action := range actions {
		m := 0.0
		if est, ok := l.rewards[actionKey(action)]; ok {
			m = est.mean()
		}
		switch {
		case len(best) == 0 || m > bestMean:
			best = append(best[:0], i)
			bestMean = m
		case m == bestMean:
			best = append(best, i)
		}
	}

	probs := make([]float64, len(actions))
	explore := l.Epsilon / float64(len(actions))
	exploit := (1 - l.Epsilon) / float64(len(best))
	for i := range probs {
		probs[i] = explore
	}
	for _, i := range best {
		probs[i] += exploit
	}
	return probs, nil
}

// Learn folds the observed reward into the chosen action's estimate.
func (l *EpsilonGreedy) Learn(_ context.Context, _ []float64, action []float64, reward, _ float64) error {
	if l.rewards == nil {
		l.rewards = make(map[string]*runningMean)
	}
	key := actionKey(action)
	est, ok := l.rewards[key]
	if !ok {
		est = &runningMean{}
		l.rewards[key] = est
	}
	est.add(reward)
	return nil
}

// PortableForm implements core.Portable. Only the configuration crosses the
// process boundary; reward estimates restart empty in the worker, which is
// correct because a worker always evaluates a pair from its first
// interaction.
func (l *EpsilonGreedy) PortableForm() (core.Form, error) {
	args, err := json.Marshal(struct {
		Epsilon float64 `json:"epsilon"`
	}{Epsilon: l.Epsilon})
	if err != nil {
		return core.Form{}, err
	}
	return core.Form{Kind: core.KindLearner, Name: NameEpsilonGreedy, Args: args}, nil
}

// actionKey renders a feature vector as a stable map key.
func actionKey(action []float64) string {
	return fmt.Sprint(action)
}
