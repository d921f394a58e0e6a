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
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// linePrefix namespaces transaction lines inside the key space so the store
// can share a database with future metadata keys.
var linePrefix = []byte("tx:")

// BadgerConfig configures a badger-backed transaction log.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the log entirely in RAM. Useful for tests.
	InMemory bool

	// SyncWrites makes every commit durable before returning. Defaults to
	// true for on-disk logs; the experiment log exists to survive crashes.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// BadgerLog is a transaction log stored in BadgerDB. Lines live under
// monotonically increasing 8-byte big-endian sequence keys, so key order is
// append order and Scan replays records exactly as written.
//
// Thread Safety: safe for concurrent use.
type BadgerLog struct {
	mu      sync.Mutex
	db      *badger.DB
	nextSeq uint64
	closed  bool
}

// badgerSlog adapts badger's logger interface onto slog.
type badgerSlog struct{ l *slog.Logger }

func (b badgerSlog) Errorf(format string, args ...any)   { b.l.Error(fmt.Sprintf(format, args...)) }
func (b badgerSlog) Warningf(format string, args ...any) { b.l.Warn(fmt.Sprintf(format, args...)) }
func (b badgerSlog) Infof(format string, args ...any)    { b.l.Debug(fmt.Sprintf(format, args...)) }
func (b badgerSlog) Debugf(format string, args ...any)   { b.l.Debug(fmt.Sprintf(format, args...)) }

// OpenBadgerLog opens (creating if absent) a badger-backed transaction log
// and seeks past any previously appended records.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites && !cfg.InMemory)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerSlog{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger log at %q: %w", cfg.Path, err)
	}

	log := &BadgerLog{db: db}
	if err := log.initSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// initSeq positions nextSeq one past the highest stored key.
func (l *BadgerLog) initSeq() error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: linePrefix})
		defer it.Close()

		// Seek to the last possible key under the prefix.
		seek := append(append([]byte{}, linePrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(linePrefix) {
			key := it.Item().Key()
			l.nextSeq = binary.BigEndian.Uint64(key[len(linePrefix):]) + 1
		}
		return nil
	})
}

func (l *BadgerLog) key(seq uint64) []byte {
	key := make([]byte, len(linePrefix)+8)
	copy(key, linePrefix)
	binary.BigEndian.PutUint64(key[len(linePrefix):], seq)
	return key
}

// Write appends one line under the next sequence key.
func (l *BadgerLog) Write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	seq := l.nextSeq
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(l.key(seq), line)
	})
	if err != nil {
		return fmt.Errorf("append record %d: %w", seq, err)
	}
	l.nextSeq++
	return nil
}

// Flush syncs badger's value log.
func (l *BadgerLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.db.Opts().InMemory {
		return nil
	}
	if err := l.db.Sync(); err != nil {
		return fmt.Errorf("sync badger log: %w", err)
	}
	return nil
}

// Close syncs and closes the database. Close is idempotent.
func (l *BadgerLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close badger log: %w", err)
	}
	return nil
}

// Scan replays stored lines in sequence-key order, which is append order.
func (l *BadgerLog) Scan(fn func(line []byte) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: linePrefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Seek(linePrefix); it.ValidForPrefix(linePrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				return fn(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
