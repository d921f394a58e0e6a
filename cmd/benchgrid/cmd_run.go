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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/benchgrid/pkg/logging"
	"github.com/AleutianAI/benchgrid/services/experiment"
	"github.com/AleutianAI/benchgrid/services/experiment/pool"
	"github.com/AleutianAI/benchgrid/services/experiment/store"
)

func runScenario(cmd *cobra.Command, _ []string) error {
	scenario, err := loadScenario(runConfigPath)
	if err != nil {
		return err
	}
	applyOverrides(scenario)

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "benchgrid",
		Quiet:   runQuiet,
	})
	defer logger.Close()

	log, err := openLog(runStoreKind, runResultPath, logger)
	if err != nil {
		return err
	}
	if log != nil {
		defer log.Close()
	}

	learners, err := buildLearners(scenario.Learners)
	if err != nil {
		return err
	}
	environments, err := buildEnvironments(scenario.Environments)
	if err != nil {
		return err
	}
	evaluation, err := buildEvaluation(scenario.Evaluation)
	if err != nil {
		return err
	}

	opts := []experiment.Option{
		experiment.WithDescription(scenario.Description),
		experiment.WithConfig(experiment.Config{
			Processes:          scenario.Processes,
			MaxChunksPerWorker: scenario.MaxChunksPerWorker,
			MaxItemsPerChunk:   scenario.MaxItemsPerChunk,
		}),
		experiment.WithLogger(logger.Slog()),
	}
	if evaluation != nil {
		opts = append(opts, experiment.WithEvaluationTask(evaluation))
	}
	if runMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, experiment.WithPoolMetrics(pool.NewMetrics(reg)))
		go serveMetrics(runMetricsAddr, reg, logger)
	}

	exp, err := experiment.New(learners, environments, opts...)
	if err != nil {
		return err
	}

	// SIGINT and SIGTERM cancel the run; completed pairs are already durable
	// and the next invocation resumes from the log.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := exp.Run(ctx, experiment.RunOptions{Log: log, Seed: scenario.Seed})
	if err != nil {
		return err
	}

	printSummary(result)
	return nil
}

// applyOverrides folds nonzero CLI flags over the scenario's execution
// settings.
func applyOverrides(scenario *Scenario) {
	if runProcesses > 0 {
		scenario.Processes = runProcesses
	}
	if runMaxChunks >= 0 {
		scenario.MaxChunksPerWorker = runMaxChunks
	}
	if runMaxItems >= 0 {
		scenario.MaxItemsPerChunk = runMaxItems
	}
	if runSeed != 0 {
		scenario.Seed = runSeed
	}
	if scenario.Processes < 1 {
		scenario.Processes = 1
	}
}

// openLog opens the transaction log backend. An empty path runs in memory,
// which still yields a full result but cannot be resumed.
func openLog(kind, path string, logger *logging.Logger) (store.Log, error) {
	if path == "" {
		logger.Warn("no --result path: running in memory, interruption loses all progress")
		return nil, nil
	}

	switch kind {
	case "file":
		log, err := store.OpenFileLog(path)
		if err != nil {
			return nil, err
		}
		return log, nil
	case "badger":
		log, err := store.OpenBadgerLog(store.BadgerConfig{
			Path:       path,
			SyncWrites: true,
			Logger:     logger.Slog(),
		})
		if err != nil {
			return nil, err
		}
		return log, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q: must be file or badger", kind)
	}
}

// serveMetrics exposes the prometheus registry over HTTP until the process
// exits.
func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// printSummary writes a short human-readable digest of the decoded result.
func printSummary(result *experiment.Result) {
	totalRows := 0
	totalReward := 0.0
	for _, rows := range result.Evaluations {
		totalRows += len(rows)
		for _, row := range rows {
			if r, ok := row["reward"].(float64); ok {
				totalReward += r
			}
		}
	}

	fmt.Printf("pairs evaluated: %d\n", len(result.Evaluations))
	fmt.Printf("evaluation rows: %d\n", totalRows)
	if totalRows > 0 {
		fmt.Printf("mean reward:     %.4f\n", totalReward/float64(totalRows))
	}
}
