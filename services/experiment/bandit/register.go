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
	"encoding/json"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
)

// Constructor names. The run configuration and the cross-process wire
// protocol refer to components by these.
const (
	NameRandom          = "benchgrid/random"
	NameFixed           = "benchgrid/fixed"
	NameEpsilonGreedy   = "benchgrid/epsilon_greedy"
	NameLinearSynthetic = "benchgrid/linear_synthetic"
)

func init() {
	reg := core.DefaultRegistry()

	reg.MustRegister(core.KindLearner, NameRandom, func(json.RawMessage) (any, error) {
		return RandomLearner{}, nil
	})

	// Returned as a pointer: learner identity is Go equality, and a value
	// with a slice field is not a valid identity.
	reg.MustRegister(core.KindLearner, NameFixed, func(args json.RawMessage) (any, error) {
		l := &FixedLearner{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, l); err != nil {
				return nil, err
			}
		}
		return l, nil
	})

	reg.MustRegister(core.KindLearner, NameEpsilonGreedy, func(args json.RawMessage) (any, error) {
		var cfg struct {
			Epsilon float64 `json:"epsilon"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &cfg); err != nil {
				return nil, err
			}
		}
		return NewEpsilonGreedy(cfg.Epsilon), nil
	})

	reg.MustRegister(core.KindEnvironment, NameLinearSynthetic, func(args json.RawMessage) (any, error) {
		var e LinearSynthetic
		if len(args) > 0 {
			if err := json.Unmarshal(args, &e); err != nil {
				return nil, err
			}
		}
		return e, nil
	})
}
