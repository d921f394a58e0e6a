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
)

// fakeLearner predicts a uniform distribution and remembers how often it was
// driven. Pointer identity doubles as learner identity in grid tests.
type fakeLearner struct {
	name     string
	predicts int
	learns   int
}

func (l *fakeLearner) Family() string { return l.name }

func (l *fakeLearner) Params() map[string]any {
	return map[string]any{"name": l.name}
}

func (l *fakeLearner) Predict(_ context.Context, _ []float64, actions [][]float64) ([]float64, error) {
	l.predicts++
	probs := make([]float64, len(actions))
	for i := range probs {
		probs[i] = 1.0 / float64(len(actions))
	}
	return probs, nil
}

func (l *fakeLearner) Learn(_ context.Context, _ []float64, _ []float64, _, _ float64) error {
	l.learns++
	return nil
}

// fakeEnv serves a fixed interaction list and counts reads.
type fakeEnv struct {
	name         string
	interactions []Interaction
	reads        int
}

func (e *fakeEnv) Params() map[string]any {
	return map[string]any{"name": e.name}
}

func (e *fakeEnv) Read(context.Context) ([]Interaction, error) {
	e.reads++
	return e.interactions, nil
}

func twoActionInteractions(n int) []Interaction {
	out := make([]Interaction, n)
	for i := range out {
		out[i] = Interaction{
			Context: []float64{float64(i)},
			Actions: [][]float64{{1, 0}, {0, 1}},
			Rewards: []float64{0.25, 0.75},
		}
	}
	return out
}

// portableLearner is a fakeLearner that also implements Portable.
type portableLearner struct {
	fakeLearner
}

func (l *portableLearner) PortableForm() (Form, error) {
	args, err := json.Marshal(map[string]string{"name": l.name})
	if err != nil {
		return Form{}, err
	}
	return Form{Kind: KindLearner, Name: "test/portable_learner", Args: args}, nil
}

// portableEnv is a fakeEnv that also implements Portable.
type portableEnv struct {
	fakeEnv
}

func (e *portableEnv) PortableForm() (Form, error) {
	return Form{Kind: KindEnvironment, Name: "test/portable_env"}, nil
}

// testRegistry returns a registry with the portable fakes plus the default
// tasks registered.
func testRegistry() *Registry {
	reg := NewRegistry()
	reg.MustRegister(KindLearner, "test/portable_learner", func(args json.RawMessage) (any, error) {
		var cfg struct {
			Name string `json:"name"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &cfg); err != nil {
				return nil, err
			}
		}
		return &portableLearner{fakeLearner{name: cfg.Name}}, nil
	})
	reg.MustRegister(KindEnvironment, "test/portable_env", func(json.RawMessage) (any, error) {
		return &portableEnv{fakeEnv{interactions: twoActionInteractions(3)}}, nil
	})
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
	return reg
}

func defaultTasks() Tasks {
	return Tasks{
		Learner:     SimpleLearnerInfo{},
		Environment: SimpleEnvironmentInfo{},
		Evaluation:  OnPolicyEvaluation{Seed: 1},
	}
}
