package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/kvexport/internal/config"
	"github.com/syntrixbase/kvexport/internal/exporter"
	"github.com/syntrixbase/kvexport/internal/journal"
	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/kvstore/upstash"
	"github.com/syntrixbase/kvexport/internal/logging"
	"github.com/syntrixbase/kvexport/internal/metrics"
)

// newClient builds the remote store client. Replaced in tests.
var newClient = func(cfg config.SourceConfig, logger *slog.Logger) (kvstore.Client, error) {
	return upstash.New(upstash.Options{
		URL:             cfg.URL,
		Token:           cfg.Token,
		ScanTimeout:     cfg.ScanTimeout,
		CallTimeout:     cfg.CallTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
		RawEncoding:     cfg.RawEncoding,
		RateLimit:       cfg.RateLimit,
		Logger:          logger,
	})
}

// incompleteError reports a run that did not export every key.
type incompleteError struct {
	status exporter.Status
}

func (e *incompleteError) Error() string {
	return fmt.Sprintf("export finished with status %s", e.status)
}

// exitCode maps a command error to the process exit status: 2 for a partial
// snapshot, 1 for everything else.
func exitCode(err error) int {
	var incomplete *incompleteError
	if errors.As(err, &incomplete) && incomplete.status == exporter.StatusPartial {
		return 2
	}
	return 1
}

func statusError(status exporter.Status) error {
	if status == exporter.StatusSuccess {
		return nil
	}
	return &incompleteError{status: status}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "kvexport",
		Short:         "Export a Redis REST key space to a JSON snapshot",
		Long:          "kvexport walks the key space of an Upstash-compatible Redis REST endpoint with SCAN and writes every key to a JSON snapshot.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default config/config.yml, config/config.local.yml)")

	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newRetryCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// session holds what every run command sets up before exporting.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  kvstore.Client
	journal *journal.Journal
	metrics *metrics.Server
}

// openSession loads the configuration, applies flag overrides and brings up
// logging, the remote client, the journal and the metrics endpoint.
func openSession(opts *rootOptions, override func(*config.Config)) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.Initialize(cfg.Logging)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger}

	s.client, err = newClient(cfg.Source, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Journal.Enabled {
		s.journal, err = journal.Open(journal.Options{Path: cfg.Journal.Dir, Logger: logger})
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		s.metrics, err = metrics.Listen(cfg.Metrics.Address, cfg.Metrics.Path, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// failureJournal returns the journal as an exporter collaborator, or nil
// when journaling is disabled.
func (s *session) failureJournal() exporter.FailureJournal {
	if s.journal == nil {
		return nil
	}
	return s.journal
}

func (s *session) Close() {
	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			s.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("failed to close journal", "error", err)
		}
	}
	_ = logging.Shutdown()
}

func printReport(w io.Writer, r exporter.Report, output string) {
	fmt.Fprintf(w, "Run:       %s\n", r.RunID)
	fmt.Fprintf(w, "Mode:      %s\n", r.Mode)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Keys:      %d exported, %d enumerated, %d missing, %d failed\n",
		r.TotalKeys, r.KeysEnumerated, r.MissingKeys, r.FailedKeys)
	fmt.Fprintf(w, "Batches:   %d total, %d failed\n", r.TotalBatches, len(r.FailedBatches))
	if idx := r.FailedIndexes(); len(idx) > 0 {
		fmt.Fprintf(w, "Failed:    %v\n", idx)
	}
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration.Round(time.Millisecond))
	if output != "" {
		fmt.Fprintf(w, "Output:    %s\n", output)
	}
}
