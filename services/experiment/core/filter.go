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

// FilterFinished removes work items whose pair already has a terminal
// evaluation record in a previously restored result, so a resumed run only
// redoes missing work.
//
// Description:
//
//	The filter is pure and total: a nil prior result returns the input
//	unchanged, and a pair absent from the prior result is simply "not
//	finished", never an error.
func FilterFinished(items []WorkItem, prior *Result) []WorkItem {
	if prior == nil {
		return items
	}

	remaining := make([]WorkItem, 0, len(items))
	for _, item := range items {
		if !prior.Finished(item.Pair) {
			remaining = append(remaining, item)
		}
	}

	// Re-home description duties. The item originally flagged to describe a
	// learner or environment may itself be finished; the first remaining item
	// for each identity inherits the flag unless the restored log already
	// holds that description.
	lrnSeen := make(map[int]bool)
	envSeen := make(map[int]bool)
	for i := range remaining {
		item := &remaining[i]

		item.DescribeLearner = !lrnSeen[item.Pair.Lrn] && !prior.HasLearner(item.Pair.Lrn)
		item.DescribeEnvironment = !envSeen[item.Pair.Env] && !prior.HasEnvironment(item.Pair.Env)

		lrnSeen[item.Pair.Lrn] = true
		envSeen[item.Pair.Env] = true
	}

	return remaining
}
