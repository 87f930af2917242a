package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/syntrixbase/kvexport/internal/config"
	"github.com/syntrixbase/kvexport/internal/exporter"
	"github.com/syntrixbase/kvexport/internal/journal"
	"github.com/syntrixbase/kvexport/internal/snapshot"
)

type exportOptions struct {
	mode        string
	batchSize   int
	concurrency int
	match       string
	output      string
	timeout     time.Duration
}

func newExportCmd(root *rootOptions) *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every key to the snapshot file",
		Long: `Walk the key space with SCAN, extract keys in concurrent batches and write the snapshot.

Batches that fail are recorded in the journal and can be recovered with 'kvexport retry'.
Exits with status 2 when the snapshot is partial and 1 when the export failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "extraction mode: optimized or full")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "keys per batch")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "number of extraction workers")
	cmd.Flags().StringVar(&opts.match, "match", "", "only export keys matching this SCAN pattern")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "snapshot file path")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "bound the whole run, e.g. 10m")
	return cmd
}

// apply copies the flags the user set over the loaded configuration.
func (o *exportOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Export.Mode = o.mode
	}
	if flags.Changed("batch-size") {
		cfg.Export.BatchSize = o.batchSize
	}
	if flags.Changed("concurrency") {
		cfg.Export.Concurrency = o.concurrency
	}
	if flags.Changed("match") {
		cfg.Export.Match = o.match
	}
	if flags.Changed("output") {
		cfg.Output.Path = o.output
	}
	if flags.Changed("timeout") {
		cfg.Export.Timeout = o.timeout
	}
}

func runExport(cmd *cobra.Command, root *rootOptions, opts *exportOptions) error {
	ctx := cmd.Context()

	s, err := openSession(root, func(cfg *config.Config) { opts.apply(cmd, cfg) })
	if err != nil {
		return err
	}
	defer s.Close()
	cfg := s.cfg

	file, err := snapshot.NewFile(snapshot.FileOptions{
		Path:        cfg.Output.Path,
		LockTimeout: cfg.Output.LockTimeout,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	if s.journal != nil {
		if _, err := s.journal.Prune(cfg.Journal.Retention); err != nil {
			s.logger.Warn("failed to prune journal", "error", err)
		}
		err := s.journal.Begin(runID, journal.RunMeta{
			Mode:      cfg.Export.Mode,
			SourceURL: cfg.Source.URL,
			Output:    cfg.Output.Path,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}

	exp, err := exporter.New(cfg.Export.ExporterConfig(cfg.Source.URL), s.client, exporter.Options{
		Journal: s.failureJournal(),
		RunID:   runID,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	result, runErr := exp.Run(ctx)
	if runErr != nil {
		if result != nil {
			printReport(cmd.OutOrStdout(), result.Report, "")
		}
		// Without a snapshot there is nothing to merge replayed batches into.
		if s.journal != nil {
			if err := s.journal.Forget(runID); err != nil {
				s.logger.Warn("failed to drop journaled run", "error", err)
			}
		}
		return fmt.Errorf("export failed: %w", runErr)
	}

	// A canceled run still writes what it merged.
	if _, err := file.Write(context.WithoutCancel(ctx), result.Snapshot); err != nil {
		return err
	}

	if s.journal != nil && result.Report.Status == exporter.StatusSuccess {
		if err := s.journal.Forget(runID); err != nil {
			s.logger.Warn("failed to drop journaled run", "error", err)
		}
	}

	printReport(cmd.OutOrStdout(), result.Report, file.Path())
	if result.Report.Status == exporter.StatusPartial && s.journal != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Retry failed batches with: kvexport retry --run %s\n", runID)
	}
	return statusError(result.Report.Status)
}
