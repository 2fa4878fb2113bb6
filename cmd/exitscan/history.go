package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/config"
	"github.com/nao1215/exitscan/internal/database"
	"github.com/nao1215/exitscan/internal/report"
)

// historyOptions selects what the history command shows.
type historyOptions struct {
	runID    int64
	exit     string
	limit    int
	json     bool
	markdown bool
}

// NewHistoryCmd creates the history command.
// This command shows scan results stored in the database.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored scan results",
		Long: `History displays scan runs and probe results stored in the database.

Every scan saves its run and the result of each probed exit relay, so the
behaviour of a relay can be followed across runs.

Examples:
  # List the most recent runs
  exitscan history

  # Show the full report of run 12
  exitscan history --run 12

  # Show every stored result of one exit relay
  exitscan history --exit 9695DFC35FFEB861329B9F1AB04C46397020CE31

  # Render run 12 as Markdown
  exitscan history --run 12 --markdown`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().Int64P("run", "r", 0,
		"Show the report of the run with this ID")
	cmd.Flags().StringP("exit", "e", "",
		"Show the stored results of the exit relay with this fingerprint")
	cmd.Flags().IntP("limit", "n", config.DefaultHistoryLimit,
		"Maximum number of runs or results to list")

	// Output format flags
	cmd.Flags().BoolP("json", "j", false,
		"Output in JSON format")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output in Markdown format")

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	var opts historyOptions
	var err error

	if opts.runID, err = cmd.Flags().GetInt64("run"); err != nil {
		return err
	}
	if opts.exit, err = cmd.Flags().GetString("exit"); err != nil {
		return err
	}
	if opts.limit, err = cmd.Flags().GetInt("limit"); err != nil {
		return err
	}
	if opts.json, err = cmd.Flags().GetBool("json"); err != nil {
		return err
	}
	if opts.markdown, err = cmd.Flags().GetBool("markdown"); err != nil {
		return err
	}
	// Validate before opening the database to avoid creating it for nothing.
	if err := opts.validate(); err != nil {
		return err
	}

	if _, _, err := setupLogger(getVerbosity(cmd)); err != nil {
		return err
	}

	db, err := database.Open(config.XDGDataDir(), database.Options{EnableWAL: true})
	if err != nil {
		if errors.Is(err, database.ErrDatabaseNotFound) {
			return errors.New("no scan results stored yet (run 'exitscan scan' first)")
		}
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return showHistory(cmd.Context(), db, cmd.OutOrStdout(), opts)
}

func (o *historyOptions) validate() error {
	if o.json && o.markdown {
		return config.ErrConflictingReportFormats
	}
	if o.runID != 0 && o.exit != "" {
		return errors.New("--run and --exit cannot be used together")
	}
	if o.runID < 0 {
		return fmt.Errorf("invalid run ID: %d", o.runID)
	}
	if o.limit <= 0 {
		return fmt.Errorf("invalid limit: %d (must be positive)", o.limit)
	}
	if o.exit != "" {
		fp, err := catalog.NormalizeFingerprint(o.exit)
		if err != nil {
			return err
		}
		o.exit = fp
	}
	return nil
}

// showHistory renders the runs, one run or one relay's results.
func showHistory(ctx context.Context, db *database.ResultDB, w io.Writer, opts historyOptions) error {
	var out report.Writer
	switch {
	case opts.json:
		out = report.NewJSONWriter(w, report.WithPrettyPrint())
	case opts.markdown:
		out = report.NewMarkdownWriter(w)
	default:
		out = report.NewSimpleWriter(w, report.WithVerbose(true))
	}

	switch {
	case opts.runID != 0:
		run, err := db.GetRun(ctx, opts.runID)
		if err != nil {
			return fmt.Errorf("failed to load run %d: %w", opts.runID, err)
		}
		_, err = out.Write(run)
		return err

	case opts.exit != "":
		entries, err := db.ExitHistory(ctx, opts.exit, opts.limit)
		if err != nil {
			return fmt.Errorf("failed to load history of %s: %w", opts.exit, err)
		}
		_, err = out.WriteExitHistory(opts.exit, entries)
		return err

	default:
		runs, err := db.ListRuns(ctx, opts.limit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		_, err = out.WriteRuns(runs)
		return err
	}
}
