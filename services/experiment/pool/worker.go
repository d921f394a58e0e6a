// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerArg is the hidden subcommand a worker process is spawned with.
const WorkerArg = "__worker"

// shutdownGrace is how long a retiring worker gets to exit on its own
// before being killed.
const shutdownGrace = 5 * time.Second

// workerProc is the supervisor's view of one worker. The exec-backed
// implementation wraps a child process; tests substitute scripted fakes to
// exercise crash handling without real processes.
type workerProc interface {
	ID() string

	// Send writes one request to the worker.
	Send(req request) error

	// Responses yields the worker's output stream. The channel closes when
	// the worker's stdout closes - on clean exit and on crash alike.
	Responses() <-chan response

	// Wait returns the worker's exit error once the response stream has
	// closed. A non-nil value means abnormal exit.
	Wait() error

	// Shutdown asks the worker to exit, then kills it after a grace period.
	Shutdown()

	// Kill terminates the worker immediately.
	Kill()
}

type spawnFunc func() (workerProc, error)

// execWorker supervises one OS worker process speaking the pool protocol on
// its stdin/stdout. Its stderr is inherited so worker logging multiplexes
// into the parent's stream.
type execWorker struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	sendMu sync.Mutex
	enc    *json.Encoder

	responses chan response

	// quit releases a readLoop blocked on a response send once the
	// supervisor has stopped receiving.
	quit     chan struct{}
	quitOnce sync.Once

	waitOnce sync.Once
	waitErr  error
}

// stop abandons any in-flight response delivery. Idempotent.
func (w *execWorker) stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// spawnExecWorker starts a fresh worker process.
func (e *Engine) spawnExecWorker() (workerProc, error) {
	argv := e.cfg.WorkerCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable for worker spawn: %w", err)
		}
		argv = []string{exe, WorkerArg}
	}

	w := &execWorker{
		id:        uuid.NewString()[:8],
		responses: make(chan response, 64),
		quit:      make(chan struct{}),
	}

	w.cmd = exec.Command(argv[0], argv[1:]...)
	w.cmd.Stderr = os.Stderr

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	w.stdin = stdin
	w.enc = json.NewEncoder(stdin)

	e.logger.Debug("spawned worker process",
		"worker_id", w.id,
		"pid", w.cmd.Process.Pid,
	)

	go w.readLoop(stdout)

	return w, nil
}

// readLoop pumps worker stdout into the response channel, closing it when
// the stream ends for any reason.
func (w *execWorker) readLoop(stdout io.Reader) {
	defer close(w.responses)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			// A torn line means the process died mid-write; the closed
			// channel tells the supervisor everything it needs.
			return
		}
		select {
		case w.responses <- resp:
		case <-w.quit:
			// The supervisor killed this worker and stopped receiving; a
			// blocked send here would leak the loop past the buffer.
			return
		}
	}
}

func (w *execWorker) ID() string { return w.id }

func (w *execWorker) Send(req request) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.enc.Encode(req)
}

func (w *execWorker) Responses() <-chan response { return w.responses }

// Wait reaps the process exactly once and reports its exit status.
func (w *execWorker) Wait() error {
	w.waitOnce.Do(func() {
		w.waitErr = w.cmd.Wait()
	})
	return w.waitErr
}

// Shutdown asks the worker to exit, closes its stdin, and kills it if it
// lingers past the grace period.
func (w *execWorker) Shutdown() {
	_ = w.Send(request{Type: msgShutdown})
	_ = w.stdin.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Wait()
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		_ = w.cmd.Process.Kill()
		<-done
	}
	w.stop()
}

// Kill terminates the worker immediately and reaps it.
func (w *execWorker) Kill() {
	w.stop()
	_ = w.stdin.Close()
	_ = w.cmd.Process.Kill()
	_ = w.Wait()
}
