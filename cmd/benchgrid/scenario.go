// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/benchgrid/services/experiment"
	"github.com/AleutianAI/benchgrid/services/experiment/core"

	// Side-effect import: registers the built-in learners and environments.
	_ "github.com/AleutianAI/benchgrid/services/experiment/bandit"
)

var validate = validator.New()

// ComponentSpec names one registered component plus its constructor
// arguments.
type ComponentSpec struct {
	Name string         `yaml:"name" validate:"required"`
	Args map[string]any `yaml:"args"`
}

// Scenario is the YAML description of one evaluation grid.
type Scenario struct {
	Description string `yaml:"description"`
	Seed        int64  `yaml:"seed"`

	Processes          int `yaml:"processes"`
	MaxChunksPerWorker int `yaml:"max_chunks_per_worker"`
	MaxItemsPerChunk   int `yaml:"max_items_per_chunk"`

	Learners     []ComponentSpec `yaml:"learners" validate:"required,min=1,dive"`
	Environments []ComponentSpec `yaml:"environments" validate:"required,min=1,dive"`

	// Evaluation optionally overrides the default on-policy evaluation task.
	Evaluation *ComponentSpec `yaml:"evaluation"`
}

// loadScenario reads and validates a scenario file.
func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validate.Struct(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// buildComponent constructs one registered component from its spec.
func buildComponent(kind core.Kind, spec ComponentSpec) (any, error) {
	var args json.RawMessage
	if spec.Args != nil {
		encoded, err := json.Marshal(spec.Args)
		if err != nil {
			return nil, fmt.Errorf("encode args for %s: %w", spec.Name, err)
		}
		args = encoded
	}
	return core.DefaultRegistry().Build(core.Form{Kind: kind, Name: spec.Name, Args: args})
}

// buildLearners constructs every learner named by the scenario.
func buildLearners(specs []ComponentSpec) ([]experiment.Learner, error) {
	learners := make([]experiment.Learner, 0, len(specs))
	for _, spec := range specs {
		obj, err := buildComponent(core.KindLearner, spec)
		if err != nil {
			return nil, err
		}
		learner, ok := obj.(experiment.Learner)
		if !ok {
			return nil, fmt.Errorf("%s built %T, which is not a learner", spec.Name, obj)
		}
		learners = append(learners, learner)
	}
	return learners, nil
}

// buildEnvironments constructs every environment named by the scenario.
func buildEnvironments(specs []ComponentSpec) ([]experiment.Environment, error) {
	environments := make([]experiment.Environment, 0, len(specs))
	for _, spec := range specs {
		obj, err := buildComponent(core.KindEnvironment, spec)
		if err != nil {
			return nil, err
		}
		env, ok := obj.(experiment.Environment)
		if !ok {
			return nil, fmt.Errorf("%s built %T, which is not an environment", spec.Name, obj)
		}
		environments = append(environments, env)
	}
	return environments, nil
}

// buildEvaluation constructs the scenario's evaluation task, if any.
func buildEvaluation(spec *ComponentSpec) (experiment.EvaluationTask, error) {
	if spec == nil {
		return nil, nil
	}
	obj, err := buildComponent(core.KindEvaluationTask, *spec)
	if err != nil {
		return nil, err
	}
	task, ok := obj.(experiment.EvaluationTask)
	if !ok {
		return nil, fmt.Errorf("%s built %T, which is not an evaluation task", spec.Name, obj)
	}
	return task, nil
}
