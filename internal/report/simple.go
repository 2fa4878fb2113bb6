package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nao1215/exitscan/internal/model"
)

// SimpleWriter outputs human-readable text reports for the terminal.
type SimpleWriter struct {
	baseWriter

	// verbose lists every probe result, not only the suspicious ones.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose enables listing of every probe result.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write outputs the run report in human-readable format.
func (w *SimpleWriter) Write(report *model.RunReport) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, report)
	w.writeStatistics(&sb, report)
	w.writeModules(&sb, report)
	w.writeSuspicious(&sb, report)
	if w.verbose {
		w.writeResults(&sb, report)
	}
	w.writeFooter(&sb)

	return io.WriteString(w.output, sb.String())
}

func rule(sb *strings.Builder, c string) {
	sb.WriteString(strings.Repeat(c, 70))
	sb.WriteString("\n")
}

func section(sb *strings.Builder, name string) {
	rule(sb, "-")
	sb.WriteString(name + "\n")
	rule(sb, "-")
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *model.RunReport) {
	sb.WriteString("\n")
	rule(sb, "=")
	sb.WriteString("                          EXITSCAN REPORT\n")
	rule(sb, "=")
	sb.WriteString("\n")

	if report.ID != 0 {
		fmt.Fprintf(sb, "Run:            %d\n", report.ID)
	}
	fmt.Fprintf(sb, "First Hop:      $%s\n", report.FirstHop)
	if report.Country != "" {
		fmt.Fprintf(sb, "Country:        %s\n", report.Country)
	}
	fmt.Fprintf(sb, "Started:        %s\n", report.StartedAt.Format(timeLayout))
	if d := report.Duration(); d > 0 {
		fmt.Fprintf(sb, "Duration:       %s\n", d.Round(time.Second))
	}
	fmt.Fprintf(sb, "Status:         %s\n", status(report))
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeStatistics(sb *strings.Builder, report *model.RunReport) {
	section(sb, "STATISTICS")

	s := report.Stats
	fmt.Fprintf(sb, "  Circuits:   %d total, %d failed (%.2f%%), %d probed\n",
		s.TotalCircuits, s.FailedCircuits, s.FailureRate(), s.ProbedCircuits)
	fmt.Fprintf(sb, "  Modules:    %d run\n", s.ModulesRun)

	counts := report.CountByVerdict()
	fmt.Fprintf(sb, "  Verdicts:   %d clean, %d suspicious, %d error\n",
		counts[model.VerdictClean], counts[model.VerdictSuspicious], counts[model.VerdictError])
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeModules(sb *strings.Builder, report *model.RunReport) {
	section(sb, "MODULES")

	if len(report.Modules) == 0 {
		sb.WriteString("  No modules run\n\n")
		return
	}
	for _, m := range report.Modules {
		if m.Skipped() {
			fmt.Fprintf(sb, "  [-] %-14s skipped: %s\n", m.Name, m.Error)
			continue
		}
		fmt.Fprintf(sb, "  [+] %-14s %d of %d exit relays, %d failed, %d probed, took %s\n",
			m.Name, m.Selected, m.ExitRelays, m.Failed, m.Probed, m.Duration.Round(time.Second))
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeSuspicious(sb *strings.Builder, report *model.RunReport) {
	section(sb, "SUSPICIOUS EXITS")

	suspicious := report.Suspicious()
	if len(suspicious) == 0 {
		sb.WriteString("  None\n\n")
		return
	}
	for _, rec := range suspicious {
		writeRecord(sb, "!", rec)
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeResults(sb *strings.Builder, report *model.RunReport) {
	section(sb, "ALL RESULTS")

	for _, m := range report.Modules {
		if len(m.Results) == 0 {
			continue
		}
		fmt.Fprintf(sb, "%s\n", m.Name)
		for _, rec := range m.Results {
			writeRecord(sb, indicator(rec.Verdict), rec)
		}
		sb.WriteString("\n")
	}
}

func writeRecord(sb *strings.Builder, mark string, rec *model.ProbeRecord) {
	fmt.Fprintf(sb, "  [%s] %-12s %s\n", mark, rec.Module, exitLabel(rec))
	var where []string
	if rec.ExitAddress != "" {
		where = append(where, rec.ExitAddress)
	}
	if rec.Country != "" {
		where = append(where, rec.Country)
	}
	if len(where) > 0 {
		fmt.Fprintf(sb, "      %s\n", strings.Join(where, ", "))
	}
	if rec.Detail != "" {
		fmt.Fprintf(sb, "      %s\n", rec.Detail)
	}
}

func indicator(v model.Verdict) string {
	switch v {
	case model.VerdictClean:
		return "+"
	case model.VerdictSuspicious:
		return "!"
	case model.VerdictError:
		return "x"
	default:
		return "?"
	}
}

func (w *SimpleWriter) writeFooter(sb *strings.Builder) {
	rule(sb, "=")
}

// WriteRuns outputs one line per stored run.
func (w *SimpleWriter) WriteRuns(runs []model.RunSummary) (int, error) {
	var sb strings.Builder

	if len(runs) == 0 {
		sb.WriteString("No runs stored.\n")
		return io.WriteString(w.output, sb.String())
	}

	fmt.Fprintf(&sb, "%-6s  %-23s  %-8s  %8s  %8s  %8s  %10s\n",
		"RUN", "STARTED", "COUNTRY", "CIRCUITS", "FAILED", "PROBED", "SUSPICIOUS")
	for _, r := range runs {
		fmt.Fprintf(&sb, "%-6d  %-23s  %-8s  %8d  %8d  %8d  %10d\n",
			r.ID,
			r.StartedAt.Local().Format(timeLayout),
			orDash(r.Country),
			r.Stats.TotalCircuits,
			r.Stats.FailedCircuits,
			r.Stats.ProbedCircuits,
			r.Suspicious,
		)
	}
	return io.WriteString(w.output, sb.String())
}

// WriteExitHistory outputs one line per stored result of the exit.
func (w *SimpleWriter) WriteExitHistory(fingerprint string, entries []model.HistoryEntry) (int, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "History of $%s\n\n", fingerprint)
	if len(entries) == 0 {
		sb.WriteString("  No results stored.\n")
		return io.WriteString(w.output, sb.String())
	}
	for _, e := range entries {
		rec := e.Record
		fmt.Fprintf(&sb, "  run %-5d %s  %-12s %-10s %s\n",
			e.RunID,
			rec.ProbedAt.Local().Format(timeLayout),
			rec.Module,
			rec.Verdict,
			rec.Detail,
		)
	}
	return io.WriteString(w.output, sb.String())
}
