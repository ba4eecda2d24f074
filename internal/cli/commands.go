package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/checkpoint"
	"github.com/BartekS5/totesys-etl/internal/runlog"
	"github.com/BartekS5/totesys-etl/pkg/database"
	"github.com/BartekS5/totesys-etl/pkg/logger"
)

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one Extract -> Transform -> Load cycle",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.orch.Execute(c.Context(), "manual")
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "run %s succeeded: %d fact rows, %d quarantined\n",
				run.ID, run.FactRows, run.QuarantinedRows)
			return nil
		},
	}
}

func newScheduleCmd(g *globals) *cobra.Command {
	var every time.Duration
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Trigger a run on a fixed cadence until interrupted",
		RunE: func(c *cobra.Command, args []string) error {
			if every <= 0 {
				return errors.New("--every must be positive")
			}
			ctx := c.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.L().Error("metrics server stopped", zap.Error(err))
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			var (
				running atomic.Bool
				wg      sync.WaitGroup
			)
			trigger := func() {
				if !running.CompareAndSwap(false, true) {
					logger.L().Warn("previous run still in progress, skipping tick")
					return
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer running.Store(false)
					// Failures are already logged, recorded and alerted.
					_, _ = a.orch.Execute(ctx, "schedule")
				}()
			}

			logger.L().Info("scheduler started", zap.Duration("every", every))
			trigger()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.L().Info("scheduler stopping")
					wg.Wait()
					return nil
				case <-ticker.C:
					trigger()
				}
			}
		},
	}
	cmd.Flags().DurationVar(&every, "every", 30*time.Minute, "Interval between runs")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address for the Prometheus /metrics endpoint (empty disables)")
	return cmd
}

func newExtractCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract changed rows into a new run without moving the checkpoint",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.orch.ExtractOnly(c.Context())
			if err != nil {
				return err
			}
			rows := 0
			for _, e := range m.Tables {
				rows += e.Rows
			}
			fmt.Fprintf(c.OutOrStdout(), "extracted run %s: %d rows from %d tables\n", m.RunID, rows, len(m.Tables))
			return nil
		},
	}
}

func newTransformCmd(g *globals) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Transform an extracted run",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.orch.TransformOnly(c.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "transformed run %s: %d facts, %d quarantined\n", r.RunID, r.FactRows, r.QuarantinedRows)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run to transform")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newLoadCmd(g *globals) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Verify and publish a transformed run",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.orch.LoadOnly(c.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "loaded run %s: %d outputs\n", r.RunID, len(r.Outputs))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run to load")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newCheckpointCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or override the extraction checkpoint",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current checkpoint",
		RunE: func(c *cobra.Command, args []string) error {
			store, err := newCheckpointStore(c.Context(), g)
			if err != nil {
				return err
			}
			cp, err := store.Get(c.Context())
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Fprintln(c.OutOrStdout(), "no checkpoint set")
				return nil
			}
			fmt.Fprintln(c.OutOrStdout(), cp.Format(time.RFC3339Nano))
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <RFC3339 timestamp>",
		Short: "Force the checkpoint to a value, for example to backfill",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ts, err := time.Parse(time.RFC3339Nano, args[0])
			if err != nil {
				return fmt.Errorf("invalid timestamp %q: %w", args[0], err)
			}
			store, err := newCheckpointStore(c.Context(), g)
			if err != nil {
				return err
			}
			var w checkpoint.Overwriter = store
			if err := w.Overwrite(c.Context(), ts); err != nil {
				return err
			}
			logger.L().Warn("checkpoint overridden", zap.Time("checkpoint", ts.UTC()))
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func newRunsCmd(g *globals) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the run ledger",
		RunE: func(c *cobra.Command, args []string) error {
			if g.cfg.RunlogMongoURI == "" {
				return errors.New("RUNLOG_MONGO_URI is not set")
			}
			client, err := database.ConnectMongo(c.Context(), g.cfg.RunlogMongoURI)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.Background())

			runs, err := runlog.NewMongoRecorder(client, g.cfg.RunlogDatabase).Recent(c.Context(), limit)
			if err != nil {
				return err
			}
			w := c.OutOrStdout()
			for _, r := range runs {
				line := fmt.Sprintf("%s\t%s\t%s\tfacts=%d\tquarantined=%d", r.ID, r.StartedAt.Format(time.RFC3339), r.State, r.FactRows, r.QuarantinedRows)
				if r.FailedStage != "" {
					line += fmt.Sprintf("\tfailed in %s: %s", r.FailedStage, r.Error)
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "Number of runs to show")
	return cmd
}
