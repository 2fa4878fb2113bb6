package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/exitscan/internal/model"
)

// JSONWriter outputs reports in JSON format for tool integration.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	indent bool

	// indentPrefix is the prefix for each line in indented output.
	indentPrefix string

	// indentString is the indentation string (typically "  " or "\t").
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint enables pretty-printed JSON with default indentation.
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{
		baseWriter: newBaseWriter(output),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write outputs the run report as JSON.
func (w *JSONWriter) Write(report *model.RunReport) (int, error) {
	return w.writeJSON(report)
}

// WriteRuns outputs the run listing as a JSON array.
func (w *JSONWriter) WriteRuns(runs []model.RunSummary) (int, error) {
	if runs == nil {
		runs = []model.RunSummary{}
	}
	return w.writeJSON(runs)
}

// WriteExitHistory outputs the exit history as a JSON object.
func (w *JSONWriter) WriteExitHistory(fingerprint string, entries []model.HistoryEntry) (int, error) {
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return w.writeJSON(struct {
		Fingerprint string               `json:"fingerprint"`
		Results     []model.HistoryEntry `json:"results"`
	}{fingerprint, entries})
}

// writeJSON marshals the given value to JSON and writes it to the output.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}

	if err != nil {
		return 0, err
	}

	data = append(data, '\n')

	return w.output.Write(data)
}

// Summary is the verdict tally of a run.
type Summary struct {
	Clean      int                  `json:"clean"`
	Suspicious int                  `json:"suspicious"`
	Error      int                  `json:"error"`
	Exits      []*model.ProbeRecord `json:"suspicious_exits,omitempty"`
}

// NewSummary tallies the verdicts of report.
func NewSummary(report *model.RunReport) *Summary {
	counts := report.CountByVerdict()
	return &Summary{
		Clean:      counts[model.VerdictClean],
		Suspicious: counts[model.VerdictSuspicious],
		Error:      counts[model.VerdictError],
		Exits:      report.Suspicious(),
	}
}

// JSONReport wraps a run report with the version that produced it and a
// verdict summary.
type JSONReport struct {
	// Version is the exitscan version that generated this report.
	Version string `json:"version"`

	// Report is the full run report.
	Report *model.RunReport `json:"report"`

	// Summary is the verdict tally for quick access.
	Summary *Summary `json:"summary"`
}

// NewJSONReport creates a JSONReport wrapper with version information.
func NewJSONReport(report *model.RunReport, version string) *JSONReport {
	return &JSONReport{
		Version: version,
		Report:  report,
		Summary: NewSummary(report),
	}
}

// FullJSONWriter outputs run reports with the metadata wrapper.
type FullJSONWriter struct {
	*JSONWriter

	// version is the exitscan version string.
	version string
}

// NewFullJSONWriter creates a writer for complete reports with metadata.
func NewFullJSONWriter(output io.Writer, version string, opts ...JSONWriterOption) *FullJSONWriter {
	return &FullJSONWriter{
		JSONWriter: NewJSONWriter(output, opts...),
		version:    version,
	}
}

// Write outputs the run report wrapped with metadata.
func (w *FullJSONWriter) Write(report *model.RunReport) (int, error) {
	return w.writeJSON(NewJSONReport(report, w.version))
}
