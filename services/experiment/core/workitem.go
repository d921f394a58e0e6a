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
	"fmt"
)

// Pair couples one learner with one environment for evaluation.
type Pair struct {
	Learner     Learner
	Environment Environment
}

// WorkItem is one schedulable (learner, environment) evaluation. Items are
// immutable after creation and consumed exactly once by the execution engine
// (or zero times when filtered out as already finished).
//
// The description flags implement once-per-identity description: only the
// first item carrying a given learner (respectively environment) id runs the
// corresponding description task.
type WorkItem struct {
	Pair        PairID
	Learner     Learner
	Environment Environment
	Tasks       Tasks

	DescribeLearner     bool
	DescribeEnvironment bool
}

// BuildWorkItems turns explicit (learner, environment) pairs into the full
// ordered work-item sequence, one item per pair.
//
// Description:
//
//	Learner and environment ids are assigned by first-seen order of
//	distinct object identities, so the same learner instance used against
//	N environments is described once but evaluated N times. Identity is Go
//	equality: values must be comparable, so types with slice or map fields
//	belong behind pointers. A nil learner or environment reference is a
//	configuration error reported before any item is produced.
//
// Outputs:
//   - []WorkItem: one item per input pair, in input order.
//   - int, int: the number of distinct learners and environments.
//   - error: ErrNilLearner or ErrNilEnvironment on a nil reference.
func BuildWorkItems(pairs []Pair, tasks Tasks) ([]WorkItem, int, int, error) {
	for i, p := range pairs {
		if p.Learner == nil {
			return nil, 0, 0, fmt.Errorf("%w: pair %d", ErrNilLearner, i)
		}
		if p.Environment == nil {
			return nil, 0, 0, fmt.Errorf("%w: pair %d", ErrNilEnvironment, i)
		}
	}

	lrnIDs := make(map[Learner]int)
	envIDs := make(map[Environment]int)

	items := make([]WorkItem, 0, len(pairs))
	for _, p := range pairs {
		lrnID, lrnSeen := lrnIDs[p.Learner]
		if !lrnSeen {
			lrnID = len(lrnIDs)
			lrnIDs[p.Learner] = lrnID
		}
		envID, envSeen := envIDs[p.Environment]
		if !envSeen {
			envID = len(envIDs)
			envIDs[p.Environment] = envID
		}

		items = append(items, WorkItem{
			Pair:                PairID{Env: envID, Lrn: lrnID},
			Learner:             p.Learner,
			Environment:         p.Environment,
			Tasks:               tasks,
			DescribeLearner:     !lrnSeen,
			DescribeEnvironment: !envSeen,
		})
	}

	return items, len(lrnIDs), len(envIDs), nil
}

// GridPairs builds the full cross product of learners and environments,
// environment-major to match the work distribution policy: consecutive items
// share an environment.
func GridPairs(learners []Learner, environments []Environment) []Pair {
	pairs := make([]Pair, 0, len(learners)*len(environments))
	for _, env := range environments {
		for _, lrn := range learners {
			pairs = append(pairs, Pair{Learner: lrn, Environment: env})
		}
	}
	return pairs
}
