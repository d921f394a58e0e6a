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

// ChunkKeyKind names the identity a chunk's items share.
type ChunkKeyKind string

const (
	// ChunkByEnvironment groups items that share an environment. Used for
	// single-process runs where one environment read is amortized across
	// every learner in the chunk.
	ChunkByEnvironment ChunkKeyKind = "environment"

	// ChunkByLearner groups items that share a learner. Used for
	// multiprocess runs: environment-reading cost spreads across workers
	// while a stateful learner's whole path stays on one worker.
	ChunkByLearner ChunkKeyKind = "learner"

	// ChunkKeyNone marks a chunk whose items are independent and may be
	// split arbitrarily.
	ChunkKeyNone ChunkKeyKind = "none"
)

// ChunkKey identifies the shared setup a chunk's items can amortize.
type ChunkKey struct {
	Kind ChunkKeyKind `json:"kind"`
	ID   int          `json:"id"`
}

// Chunk is an ordered batch of work items dispatched together to one worker.
// Invariant: every item shares the chunk key, or the key kind is
// ChunkKeyNone.
type Chunk struct {
	Key   ChunkKey
	Items []WorkItem
}

// GroupItems groups filtered work items into chunks to reduce cross-process
// overhead.
//
// Description:
//
//	With processes <= 1 items group by environment id; otherwise by learner
//	id. One chunk is produced per distinct key, keys ordered by first
//	appearance, item order preserved within each chunk. Every item lands in
//	exactly one chunk and the chunk count equals the number of distinct
//	keys.
func GroupItems(items []WorkItem, processes int) []Chunk {
	kind := ChunkByLearner
	keyOf := func(it WorkItem) int { return it.Pair.Lrn }
	if processes <= 1 {
		kind = ChunkByEnvironment
		keyOf = func(it WorkItem) int { return it.Pair.Env }
	}

	index := make(map[int]int)
	chunks := make([]Chunk, 0)
	for _, item := range items {
		key := keyOf(item)
		at, ok := index[key]
		if !ok {
			at = len(chunks)
			index[key] = at
			chunks = append(chunks, Chunk{Key: ChunkKey{Kind: kind, ID: key}})
		}
		chunks[at].Items = append(chunks[at].Items, item)
	}
	return chunks
}

// LimitChunkSize splits any chunk larger than maxItems into contiguous,
// order-preserving sub-chunks. A bound of 0 means unbounded.
//
// Split boundaries: a chunk of n items becomes ceil(n/maxItems) sub-chunks
// of near-equal size (sizes differ by at most one). The exact boundaries are
// unobservable as long as the split is contiguous; near-equal parts keep
// workers evenly loaded. Chunks are only ever split, never merged.
func LimitChunkSize(chunks []Chunk, maxItems int) []Chunk {
	if maxItems <= 0 {
		return chunks
	}

	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		n := len(c.Items)
		if n <= maxItems {
			out = append(out, c)
			continue
		}

		parts := (n + maxItems - 1) / maxItems
		base := n / parts
		extra := n % parts

		start := 0
		for i := 0; i < parts; i++ {
			size := base
			if i < extra {
				size++
			}
			out = append(out, Chunk{Key: c.Key, Items: c.Items[start : start+size]})
			start += size
		}
	}
	return out
}
