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

	"github.com/AleutianAI/benchgrid/services/experiment/store"
)

// Result is the in-memory shape of a transaction log: run metadata, one
// description row per learner and environment, and the per-interaction
// evaluation rows of every finished pair.
type Result struct {
	Meta         RunMeta
	HasMeta      bool
	Learners     map[int]map[string]any
	Environments map[int]map[string]any
	Evaluations  map[PairID][]map[string]any

	// pairOrder preserves terminal-record append order for deterministic
	// iteration.
	pairOrder []PairID
}

// NewResult returns an empty result.
func NewResult() *Result {
	return &Result{
		Learners:     make(map[int]map[string]any),
		Environments: make(map[int]map[string]any),
		Evaluations:  make(map[PairID][]map[string]any),
	}
}

// Apply folds one decoded record into the result. Later records for the same
// key replace earlier ones, matching append-order replay semantics.
func (r *Result) Apply(rec Record) {
	switch rec.Kind {
	case KindRunMeta:
		r.Meta = *rec.Meta
		r.HasMeta = true
	case KindLearnerDesc:
		r.Learners[rec.ID] = rec.Row
	case KindEnvironmentDesc:
		r.Environments[rec.ID] = rec.Row
	case KindEvaluation:
		if _, seen := r.Evaluations[rec.Pair]; !seen {
			r.pairOrder = append(r.pairOrder, rec.Pair)
		}
		r.Evaluations[rec.Pair] = rec.Rows
	}
}

// Finished reports whether a pair has a terminal evaluation record.
func (r *Result) Finished(pair PairID) bool {
	_, ok := r.Evaluations[pair]
	return ok
}

// HasLearner reports whether a learner description has been recorded.
func (r *Result) HasLearner(lrnID int) bool {
	_, ok := r.Learners[lrnID]
	return ok
}

// HasEnvironment reports whether an environment description has been recorded.
func (r *Result) HasEnvironment(envID int) bool {
	_, ok := r.Environments[envID]
	return ok
}

// Pairs returns finished pair ids in terminal-record order.
func (r *Result) Pairs() []PairID {
	out := make([]PairID, len(r.pairOrder))
	copy(out, r.pairOrder)
	return out
}

// ResultFromLog replays every line of a durable log, in order, into a
// Result. A line that fails to decode aborts the whole replay with
// ErrMalformedLog.
func ResultFromLog(source store.Source) (*Result, error) {
	result := NewResult()

	lineNo := 0
	err := source.Scan(func(line []byte) error {
		lineNo++
		rec, err := DecodeRecord(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		result.Apply(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
