package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/kvexport/internal/config"
	"github.com/syntrixbase/kvexport/internal/exporter"
	"github.com/syntrixbase/kvexport/internal/snapshot"
)

type retryOptions struct {
	runID  string
	output string
}

func newRetryCmd(root *rootOptions) *cobra.Command {
	opts := &retryOptions{}

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Replay the failed batches of an earlier export",
		Long: `Load the batches a previous export recorded as failed, extract them again and merge
them into that run's snapshot file. Batches that succeed are removed from the journal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.runID, "run", "", "run ID to retry (default: latest journaled run)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "snapshot file to merge into (default: the run's output)")
	return cmd
}

func runRetry(cmd *cobra.Command, root *rootOptions, opts *retryOptions) error {
	ctx := cmd.Context()

	s, err := openSession(root, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.journal == nil {
		return errors.New("retry needs the journal; set journal.enabled")
	}

	runID := opts.runID
	if runID == "" {
		if runID, err = s.journal.Latest(); err != nil {
			return err
		}
		if runID == "" {
			return errors.New("no journaled run to retry")
		}
	}

	run, err := s.journal.Load(runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if len(run.Entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s has no failed batches\n", runID)
		return s.journal.Forget(runID)
	}
	if run.Meta.SourceURL != "" && run.Meta.SourceURL != s.cfg.Source.URL {
		return fmt.Errorf("run %s was exported from %s but the configured source is %s",
			runID, run.Meta.SourceURL, s.cfg.Source.URL)
	}

	output := run.Meta.Output
	if cmd.Flags().Changed("output") || output == "" {
		output = firstNonEmpty(opts.output, s.cfg.Output.Path)
	}
	file, err := snapshot.NewFile(snapshot.FileOptions{
		Path:        output,
		LockTimeout: s.cfg.Output.LockTimeout,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}
	base, err := file.Read()
	if err != nil {
		return err
	}

	expCfg := replayConfig(s.cfg, run.Meta.Mode)
	exp, err := exporter.New(expCfg, s.client, exporter.Options{
		Journal: s.journal,
		RunID:   runID,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	result, runErr := exp.Replay(ctx, base, run.Batches())
	if result == nil {
		return runErr
	}
	if _, err := file.Write(context.WithoutCancel(ctx), result.Snapshot); err != nil {
		return err
	}

	if runErr == nil && result.Report.Status == exporter.StatusSuccess {
		if err := s.journal.Forget(runID); err != nil {
			s.logger.Warn("failed to drop journaled run", "error", err)
		}
	}

	printReport(cmd.OutOrStdout(), result.Report, file.Path())
	if runErr != nil {
		return fmt.Errorf("retry interrupted: %w", runErr)
	}
	return statusError(result.Report.Status)
}

// replayConfig extracts with the mode the run was recorded with, so replayed
// records match the rest of the snapshot.
func replayConfig(cfg *config.Config, mode string) exporter.Config {
	expCfg := cfg.Export.ExporterConfig(cfg.Source.URL)
	if mode != "" {
		expCfg.Mode = exporter.Mode(mode)
	}
	return expCfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
