// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "sync"

// ListLog keeps the transaction log in memory. It backs runs without a
// result file and keeps tests free of filesystem churn. Not durable.
type ListLog struct {
	mu     sync.Mutex
	lines  [][]byte
	closed bool
}

// NewListLog returns an empty in-memory log.
func NewListLog() *ListLog {
	return &ListLog{}
}

// Write appends a copy of the line.
func (l *ListLog) Write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	dup := make([]byte, len(line))
	copy(dup, line)
	l.lines = append(l.lines, dup)
	return nil
}

// Flush is a no-op for the in-memory log.
func (l *ListLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the log closed. Scans remain valid.
func (l *ListLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Scan replays stored lines in append order.
func (l *ListLog) Scan(fn func(line []byte) error) error {
	l.mu.Lock()
	snapshot := make([][]byte, len(l.lines))
	copy(snapshot, l.lines)
	l.mu.Unlock()

	for _, line := range snapshot {
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored lines.
func (l *ListLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}
