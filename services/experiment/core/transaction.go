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
	"encoding/json"
	"fmt"
)

// -----------------------------------------------------------------------------
// Record Model
// -----------------------------------------------------------------------------

// RecordKind tags the four transaction record variants.
type RecordKind string

const (
	// KindRunMeta is the run-level metadata record, always the first record
	// of a fresh log.
	KindRunMeta RecordKind = "T0"

	// KindLearnerDesc describes one learner.
	KindLearnerDesc RecordKind = "T1"

	// KindEnvironmentDesc describes one environment.
	KindEnvironmentDesc RecordKind = "T2"

	// KindEvaluation is the terminal record for a pair: every
	// per-interaction evaluation row, written atomically when the pair
	// completes. Its presence is what marks a pair finished.
	KindEvaluation RecordKind = "T3"
)

// RunMeta is the immutable run-level record used to validate that a restored
// log belongs to the requested experiment.
type RunMeta struct {
	NLearners     int    `json:"n_learners"`
	NEnvironments int    `json:"n_environments"`
	Description   string `json:"description,omitempty"`
	Seed          int64  `json:"seed"`
}

// Record is one transaction log row. Exactly the fields for its kind are
// populated:
//
//	T0: Meta
//	T1: ID (learner id), Row
//	T2: ID (environment id), Row
//	T3: Pair, Rows
type Record struct {
	Kind RecordKind
	Meta *RunMeta
	ID   int
	Row  map[string]any
	Pair PairID
	Rows []map[string]any
}

// Convenience constructors keep call sites readable.

func RunMetaRecord(meta RunMeta) Record {
	return Record{Kind: KindRunMeta, Meta: &meta}
}

func LearnerDescRecord(lrnID int, row map[string]any) Record {
	return Record{Kind: KindLearnerDesc, ID: lrnID, Row: row}
}

func EnvironmentDescRecord(envID int, row map[string]any) Record {
	return Record{Kind: KindEnvironmentDesc, ID: envID, Row: row}
}

func EvaluationRecord(pair PairID, rows []map[string]any) Record {
	return Record{Kind: KindEvaluation, Pair: pair, Rows: rows}
}

// -----------------------------------------------------------------------------
// Codec
// -----------------------------------------------------------------------------

// EncodeRecord renders one record as a self-describing JSON array line
// (without trailing newline). Encoding carries no cross-record state, so
// records can be appended to an existing log independently.
//
// Wire shapes:
//
//	["T0",{"n_learners":3,"n_environments":2,"seed":1}]
//	["T1",0,{"family":"epsilon_greedy","epsilon":0.1}]
//	["T2",1,{"n_interactions":500}]
//	["T3",[1,0],[{"reward":0.7},...]]
func EncodeRecord(rec Record) ([]byte, error) {
	var parts []any
	switch rec.Kind {
	case KindRunMeta:
		if rec.Meta == nil {
			return nil, fmt.Errorf("encode %s: missing run meta", rec.Kind)
		}
		parts = []any{rec.Kind, rec.Meta}
	case KindLearnerDesc, KindEnvironmentDesc:
		parts = []any{rec.Kind, rec.ID, rec.Row}
	case KindEvaluation:
		parts = []any{rec.Kind, [2]int{rec.Pair.Env, rec.Pair.Lrn}, rec.Rows}
	default:
		return nil, fmt.Errorf("encode: unknown record kind %q", rec.Kind)
	}
	return json.Marshal(parts)
}

// DecodeRecord is the exact inverse of EncodeRecord. Any malformed line is a
// fatal ErrMalformedLog: resumption must never silently skip a record.
func DecodeRecord(line []byte) (Record, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(parts) < 2 {
		return Record{}, fmt.Errorf("%w: expected a tagged array, got %d elements", ErrMalformedLog, len(parts))
	}

	var kind RecordKind
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return Record{}, fmt.Errorf("%w: bad record tag: %v", ErrMalformedLog, err)
	}

	switch kind {
	case KindRunMeta:
		if len(parts) != 2 {
			return Record{}, fmt.Errorf("%w: %s expects 2 elements, got %d", ErrMalformedLog, kind, len(parts))
		}
		var meta RunMeta
		if err := json.Unmarshal(parts[1], &meta); err != nil {
			return Record{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedLog, kind, err)
		}
		return Record{Kind: kind, Meta: &meta}, nil

	case KindLearnerDesc, KindEnvironmentDesc:
		if len(parts) != 3 {
			return Record{}, fmt.Errorf("%w: %s expects 3 elements, got %d", ErrMalformedLog, kind, len(parts))
		}
		var id int
		if err := json.Unmarshal(parts[1], &id); err != nil {
			return Record{}, fmt.Errorf("%w: %s id: %v", ErrMalformedLog, kind, err)
		}
		var row map[string]any
		if err := json.Unmarshal(parts[2], &row); err != nil {
			return Record{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedLog, kind, err)
		}
		return Record{Kind: kind, ID: id, Row: row}, nil

	case KindEvaluation:
		if len(parts) != 3 {
			return Record{}, fmt.Errorf("%w: %s expects 3 elements, got %d", ErrMalformedLog, kind, len(parts))
		}
		var pair [2]int
		if err := json.Unmarshal(parts[1], &pair); err != nil {
			return Record{}, fmt.Errorf("%w: %s pair id: %v", ErrMalformedLog, kind, err)
		}
		var rows []map[string]any
		if err := json.Unmarshal(parts[2], &rows); err != nil {
			return Record{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedLog, kind, err)
		}
		return Record{Kind: kind, Pair: PairID{Env: pair[0], Lrn: pair[1]}, Rows: rows}, nil

	default:
		return Record{}, fmt.Errorf("%w: unknown record kind %q", ErrMalformedLog, kind)
	}
}
