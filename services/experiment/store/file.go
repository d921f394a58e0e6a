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

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// FileLog is a newline-delimited append-only log file. Opening an existing
// file never rewrites prior content, so a log is safely appendable across
// process restarts.
//
// Thread Safety: safe for concurrent use, though the orchestrator is the
// only expected writer.
type FileLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// OpenFileLog opens (creating if absent) a transaction log file in append
// mode.
func OpenFileLog(path string) (*FileLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transaction log %s: %w", path, err)
	}
	return &FileLog{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// FileLogExists reports whether a log file already exists at path.
func FileLogExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Write appends one encoded line followed by a newline.
func (l *FileLog) Write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if _, err := l.writer.Write(line); err != nil {
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	return nil
}

// Flush pushes buffered lines to the OS and syncs the file so completed
// records survive a crash.
func (l *FileLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", l.path, err)
	}
	return nil
}

// Close flushes and closes the underlying file. Close is idempotent.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	flushErr := l.writer.Flush()
	syncErr := l.file.Sync()
	closeErr := l.file.Close()

	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", l.path, flushErr)
	}
	if syncErr != nil {
		return fmt.Errorf("sync %s: %w", l.path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", l.path, closeErr)
	}
	return nil
}

// Scan reads the log file from the beginning, in file order. Scan opens its
// own read handle, so it can run on a log that is also open for append.
func (l *FileLog) Scan(fn func(line []byte) error) error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open transaction log %s: %w", l.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transaction log %s: %w", l.path, err)
	}
	return nil
}
