// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/apecloud/binlogreplay/backend"
	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/binlogreplication"
	"github.com/apecloud/binlogreplay/configuration"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/handler/memory"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newApplyCommand(opts *options) *cobra.Command {
	var (
		inMemory bool
		reset    bool
		workers  int
		parallel string
	)
	cmd := &cobra.Command{
		Use:   "apply FILE...",
		Short: "Replay binary log files into the replica",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("parallel-mode") {
				cfg.ParallelMode = parallel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runApply(cmd.Context(), cmd, cfg, inMemory, reset, args)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "memory", false, "replay into an in-memory engine instead of replica_dsn")
	cmd.Flags().BoolVar(&reset, "reset", false, "forget the stored position and GTIDs before replaying")
	cmd.Flags().IntVar(&workers, "workers", 1, "number of parallel apply workers")
	cmd.Flags().StringVar(&parallel, "parallel-mode", "none", "parallel mode (none, conservative or optimistic)")
	return cmd
}

// applierConfig translates the replay configuration.
func applierConfig(cfg configuration.ReplayConfig, metrics *binlogreplication.Metrics) (binlogreplication.Config, binlogreplication.ParallelMode, error) {
	mode, err := replerror.ParseMode(cfg.ExecMode)
	if err != nil {
		return binlogreplication.Config{}, 0, err
	}
	parallel, err := binlogreplication.ParseParallelMode(cfg.ParallelMode)
	if err != nil {
		return binlogreplication.Config{}, 0, err
	}
	retry := replerror.DefaultRetryPolicy
	retry.Limit = cfg.RetryLimit
	retry.Backoff = cfg.RetryBackoff
	return binlogreplication.Config{
		Mode:              mode,
		IgnoredErrors:     cfg.IgnoredErrors,
		SkipCounter:       cfg.SkipCounter,
		ReplicateSkipped:  cfg.ReplicateSkipped,
		IgnoreTables:      cfg.IgnoreTables,
		ParallelAlter:     parallel != binlogreplication.ParallelNone && cfg.Workers > 1,
		SlowScanThreshold: cfg.SlowScanThreshold,
		Retry:             retry,
		PositionDir:       cfg.PositionDir,
		StateTable:        cfg.StateTable,
		Metrics:           metrics,
	}, parallel, nil
}

// openEngine returns the storage engine and executor replay writes to.
func openEngine(cfg configuration.ReplayConfig, inMemory bool) (handler.Engine, handler.Executor, func() error, error) {
	if inMemory {
		engine := memory.NewEngine(cfg.LockWaitTimeout)
		exec, err := memory.NewExecutor(engine)
		if err != nil {
			return nil, nil, nil, err
		}
		return engine, exec, func() error { return nil }, nil
	}
	if cfg.ReplicaDSN == "" {
		return nil, nil, nil, errors.New("replica_dsn is not set; use --memory to replay without a replica")
	}
	pool, err := backend.Open(cfg.ReplicaDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	engine := backend.NewEngine(pool)
	return engine, backend.NewExecutor(engine), pool.Close, nil
}

func serveMetrics(addr string, metrics *binlogreplication.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server stopped")
		}
	}()
	logrus.WithField("address", addr).Info("Serving metrics")
	return srv
}

func runApply(ctx context.Context, cmd *cobra.Command, cfg configuration.ReplayConfig, inMemory, reset bool, files []string) error {
	keys, c, err := keyProvider(cfg.Encryption)
	if err != nil {
		return err
	}
	metrics := binlogreplication.NewMetrics()
	acfg, parallel, err := applierConfig(cfg, metrics)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, metrics)
		defer srv.Close()
	}

	files, cleanup, err := fetchLogs(ctx, cfg.ObjectStorage, files)
	if err != nil {
		return err
	}
	defer cleanup()

	engine, exec, closeEngine, err := openEngine(cfg, inMemory)
	if err != nil {
		return err
	}
	defer closeEngine()

	a, err := binlogreplication.NewApplier(ctx, engine, exec, acfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if reset {
		if err := a.Reset(ctx); err != nil {
			return err
		}
	}

	var sched *binlogreplication.Scheduler
	if parallel != binlogreplication.ParallelNone && cfg.Workers > 1 {
		sched = binlogreplication.NewScheduler(a, parallel, cfg.Workers)
	}
	for _, path := range files {
		if err := applyLog(ctx, a, sched, path, keys, c); err != nil {
			reportStatus(cmd, a)
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	reportStatus(cmd, a)
	return nil
}

func applyLog(ctx context.Context, a *binlogreplication.Applier, sched *binlogreplication.Scheduler, path string, keys binlog.KeyProvider, c binlog.Cipher) error {
	r, f, err := openLog(path, keys, c)
	if err != nil {
		return err
	}
	defer f.Close()
	// Rotate events name logs without their directory.
	file := filepath.Base(path)
	if sched != nil {
		return sched.Run(ctx, r, file)
	}
	a.SetSource(r, file)
	for {
		if _, err := a.ApplyNextEvent(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func reportStatus(cmd *cobra.Command, a *binlogreplication.Applier) {
	st := a.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "position: %s\n", st.Position)
	fmt.Fprintf(out, "events: %d rows: %d groups: %d absorbed: %d retries: %d\n",
		st.Counters.Events, st.Counters.Rows, st.Counters.Groups, st.Counters.Absorbed, st.Counters.Retries)
	if st.Halt != nil {
		fmt.Fprintf(out, "halted: %s event at %s", st.Halt.EventType, st.Halt.Position)
		if st.Halt.Table != "" {
			fmt.Fprintf(out, " on %s", st.Halt.Table)
		}
		fmt.Fprintf(out, " (%s): %v\n", st.Halt.Class, st.Halt.Err)
	}
}
