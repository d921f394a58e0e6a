// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/benchgrid/services/experiment/core"
	"github.com/AleutianAI/benchgrid/services/experiment/pool"
)

// workerUse is the hidden subcommand the engine spawns worker processes
// with. It must match what the pool passes on the child's argv.
const workerUse = pool.WorkerArg

// runWorker serves evaluation chunks over stdin/stdout until the parent
// closes the stream or sends a shutdown request. Stderr is inherited from
// the parent, so worker logs land in the parent's stream.
func runWorker(cmd *cobra.Command, _ []string) error {
	return pool.ServeWorker(cmd.Context(), os.Stdin, os.Stdout, core.DefaultRegistry(), workerID())
}

// workerID labels this worker's protocol errors. The PID is the only
// identity a fresh child has before the parent assigns one.
func workerID() string {
	return "pid-" + strconv.Itoa(os.Getpid())
}
