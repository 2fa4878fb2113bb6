package report

import (
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nao1215/exitscan/internal/model"
)

// Writer renders scan results in one output format.
type Writer interface {
	// Write outputs a run report.
	// Returns the number of bytes written and any error encountered.
	Write(report *model.RunReport) (int, error)

	// WriteRuns outputs a listing of stored runs.
	WriteRuns(runs []model.RunSummary) (int, error)

	// WriteExitHistory outputs the stored results of one exit relay.
	WriteExitHistory(fingerprint string, entries []model.HistoryEntry) (int, error)
}

// MultiWriter writes to multiple Writers, such as a summary on the
// terminal and a JSON file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the report to all configured Writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(report *model.RunReport) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.Write(report) })
}

// WriteRuns outputs the run listing to all configured Writers.
func (m *MultiWriter) WriteRuns(runs []model.RunSummary) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteRuns(runs) })
}

// WriteExitHistory outputs the exit history to all configured Writers.
func (m *MultiWriter) WriteExitHistory(fingerprint string, entries []model.HistoryEntry) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteExitHistory(fingerprint, entries) })
}

func (m *MultiWriter) each(write func(Writer) (int, error)) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := write(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

var title = cases.Title(language.English)

// verdictLabel returns "Clean", "Suspicious" or "Error".
func verdictLabel(v model.Verdict) string {
	return title.String(strings.ToLower(v.String()))
}

// status describes how a run ended.
func status(report *model.RunReport) string {
	if report.FinishedAt.IsZero() {
		return "Incomplete"
	}
	for _, m := range report.Modules {
		if m.Skipped() {
			return "Complete (some modules skipped)"
		}
	}
	return "Complete"
}

// exitLabel returns "nickname ($FINGERPRINT)".
func exitLabel(rec *model.ProbeRecord) string {
	if rec.ExitNickname == "" {
		return "$" + rec.ExitFingerprint
	}
	return rec.ExitNickname + " ($" + rec.ExitFingerprint + ")"
}

// orDash returns s, or "-" when s is empty.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

const timeLayout = "2006-01-02 15:04:05 MST"
