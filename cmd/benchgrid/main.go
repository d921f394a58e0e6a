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

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	runConfigPath  string
	runResultPath  string
	runStoreKind   string
	runProcesses   int
	runMaxChunks   int
	runMaxItems    int
	runSeed        int64
	runQuiet       bool
	runMetricsAddr string

	rootCmd = &cobra.Command{
		Use:   "benchgrid",
		Short: "A cli to run fault-tolerant learner evaluation grids",
		Long: `Benchgrid evaluates a grid of learners against environments,
streaming results into a durable transaction log so an interrupted
run resumes where it stopped.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run an evaluation grid described by a scenario file",
		RunE:  runScenario, // Defined in cmd_run.go
	}

	workerCmd = &cobra.Command{
		Use:    workerUse,
		Short:  "Internal: serve evaluation chunks over stdin/stdout",
		Hidden: true,
		RunE:   runWorker, // Defined in cmd_worker.go
	}
)

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to the scenario YAML file (required)")
	runCmd.Flags().StringVar(&runResultPath, "result", "", "Path of the transaction log; empty runs in memory")
	runCmd.Flags().StringVar(&runStoreKind, "store", "file", "Transaction log backend: file or badger")
	runCmd.Flags().IntVar(&runProcesses, "processes", 0, "Worker process count; overrides the scenario when > 0")
	runCmd.Flags().IntVar(&runMaxChunks, "max-chunks-per-worker", -1, "Chunks per worker before replacement; overrides the scenario when >= 0")
	runCmd.Flags().IntVar(&runMaxItems, "max-items-per-chunk", -1, "Chunk size bound; overrides the scenario when >= 0")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Run seed; overrides the scenario when nonzero")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress stderr logging")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9290)")
	_ = runCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
