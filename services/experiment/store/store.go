// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides durable, append-only backends for the experiment
// transaction log. Every backend stores opaque encoded lines in append
// order and replays them in the same order. The orchestrator is the single
// writer; no backend supports concurrent writers.
package store

import "errors"

var (
	// ErrClosed is returned when writing to a closed log.
	ErrClosed = errors.New("log store is closed")
)

// Sink is the writable side of a transaction log. Implementations must make
// a successfully flushed line durable across process restarts (ListLog,
// which is test-only, is the exception).
type Sink interface {
	// Write appends one encoded record line.
	Write(line []byte) error

	// Flush makes previously written lines durable.
	Flush() error

	// Close flushes and releases the log.
	Close() error
}

// Source is the readable side of a transaction log. Scan calls fn for every
// stored line in append order and stops at the first error.
type Source interface {
	Scan(fn func(line []byte) error) error
}

// Log is a combined read/write transaction log.
type Log interface {
	Sink
	Source
}
