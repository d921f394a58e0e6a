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
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilLearner is returned when a nil learner is supplied to an experiment.
	ErrNilLearner = errors.New("learner must not be nil")

	// ErrNilEnvironment is returned when a nil environment is supplied.
	ErrNilEnvironment = errors.New("environment must not be nil")

	// ErrInvalidConfig is returned when run configuration values are out of range.
	ErrInvalidConfig = errors.New("invalid experiment configuration")

	// ErrIncompatibleLog is returned when a restored transaction log does not
	// match the requested experiment (learner or environment count differs).
	ErrIncompatibleLog = errors.New("transaction log does not match experiment")

	// ErrMalformedLog is returned when a transaction log line cannot be decoded.
	// Decoding never skips a bad line: a silently dropped record would make a
	// finished pair look unfinished and cause duplicate re-evaluation.
	ErrMalformedLog = errors.New("malformed transaction log")

	// ErrNotPortable is returned when a learner, environment, or task cannot be
	// transferred to a worker process. The referenced object must be fully
	// constructible from serializable state.
	ErrNotPortable = errors.New("object is not portable across processes")
)

// -----------------------------------------------------------------------------
// Interaction Model
// -----------------------------------------------------------------------------

// Interaction is a single decision point produced by an environment: a context
// feature vector, the available actions, and the reward for each action.
type Interaction struct {
	Context []float64   `json:"context"`
	Actions [][]float64 `json:"actions"`
	Rewards []float64   `json:"rewards"`
}

// Learner is the contract for anything that can be evaluated on a stream of
// interactions. Predict returns one probability per available action; Learn
// feeds back the observed reward for the chosen action.
//
// Thread Safety: a learner is only ever driven by one goroutine at a time.
// The engine gives each worker process its own copy, so implementations do
// not need internal locking.
type Learner interface {
	Predict(ctx context.Context, features []float64, actions [][]float64) ([]float64, error)
	Learn(ctx context.Context, features []float64, action []float64, reward, probability float64) error
}

// Environment is the contract for anything that can produce interactions.
// Read may be expensive (disk, network, synthesis); the engine materializes
// an environment at most once per chunk.
type Environment interface {
	Read(ctx context.Context) ([]Interaction, error)
}

// Describable is an optional interface for learners and environments that
// can report their identifying parameters for the result log.
type Describable interface {
	Params() map[string]any
}

// Named is an optional interface for learners that report a family name.
type Named interface {
	Family() string
}

// -----------------------------------------------------------------------------
// Task Interfaces
// -----------------------------------------------------------------------------

// LearnerTask describes a learner. It runs once per distinct learner.
type LearnerTask interface {
	Process(ctx context.Context, learner Learner) (map[string]any, error)
}

// EnvironmentTask describes an environment given its materialized
// interactions. It runs once per distinct environment.
type EnvironmentTask interface {
	Process(ctx context.Context, env Environment, interactions []Interaction) (map[string]any, error)
}

// EvaluationTask evaluates a learner on an environment's interactions and
// returns one row of metrics per interaction.
type EvaluationTask interface {
	Process(ctx context.Context, learner Learner, interactions []Interaction) ([]map[string]any, error)
}

// Tasks bundles the three pluggable task roles bound to every work item.
type Tasks struct {
	Learner     LearnerTask
	Environment EnvironmentTask
	Evaluation  EvaluationTask
}

// -----------------------------------------------------------------------------
// Pair Identity
// -----------------------------------------------------------------------------

// PairID identifies one (environment, learner) combination. Ids are assigned
// by first-seen order of distinct object identities, so a PairID is stable
// across runs of the same configuration and serves as the resume key.
type PairID struct {
	Env int `json:"env"`
	Lrn int `json:"lrn"`
}

// String renders the pair id in "env:lrn" form.
func (p PairID) String() string {
	return fmt.Sprintf("%d:%d", p.Env, p.Lrn)
}
