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
	"github.com/AleutianAI/benchgrid/services/experiment/core"
	"github.com/AleutianAI/benchgrid/services/experiment/store"
)

// The data model lives in the core subpackage so the pool can share it
// without importing the orchestrator. Callers work through these names.

type (
	Interaction     = core.Interaction
	Learner         = core.Learner
	Environment     = core.Environment
	LearnerTask     = core.LearnerTask
	EnvironmentTask = core.EnvironmentTask
	EvaluationTask  = core.EvaluationTask
	Tasks           = core.Tasks
	Pair            = core.Pair
	PairID          = core.PairID
	WorkItem        = core.WorkItem
	Chunk           = core.Chunk
	ChunkKey        = core.ChunkKey
	Record          = core.Record
	RecordKind      = core.RecordKind
	RunMeta         = core.RunMeta
	Result          = core.Result
	Form            = core.Form
	Portable        = core.Portable
	Registry        = core.Registry

	SimpleLearnerInfo     = core.SimpleLearnerInfo
	SimpleEnvironmentInfo = core.SimpleEnvironmentInfo
	OnPolicyEvaluation    = core.OnPolicyEvaluation
)

var (
	ErrNilLearner      = core.ErrNilLearner
	ErrNilEnvironment  = core.ErrNilEnvironment
	ErrInvalidConfig   = core.ErrInvalidConfig
	ErrIncompatibleLog = core.ErrIncompatibleLog
	ErrMalformedLog    = core.ErrMalformedLog
	ErrNotPortable     = core.ErrNotPortable
	ErrNotRegistered   = core.ErrNotRegistered
)

// GridPairs crosses every learner with every environment, environment-major.
func GridPairs(learners []Learner, environments []Environment) []Pair {
	return core.GridPairs(learners, environments)
}

// DefaultRegistry returns the process-wide constructor registry.
func DefaultRegistry() *Registry { return core.DefaultRegistry() }

// ResultFromLog decodes a transaction log into a Result.
func ResultFromLog(source store.Source) (*Result, error) {
	return core.ResultFromLog(source)
}
