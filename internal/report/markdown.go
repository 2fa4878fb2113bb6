package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/exitscan/internal/model"
)

// MarkdownWriter outputs reports in Markdown format for sharing, for
// example as a relay operator report to the bad-relays team.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs the run report in Markdown format.
func (w *MarkdownWriter) Write(report *model.RunReport) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report)
	w.writeSummary(md, report)
	w.writeModules(md, report)
	w.writeSuspicious(md, report)
	w.writeResults(md, report)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *model.RunReport) {
	md.H1("Exitscan Report")
	md.PlainText("")

	rows := [][]string{
		{"First Hop", "`$" + report.FirstHop + "`"},
		{"Country", orDash(report.Country)},
		{"Started", report.StartedAt.Format(timeLayout)},
		{"Duration", report.Duration().Round(time.Second).String()},
		{"Status", status(report)},
	}
	if report.ID != 0 {
		rows = append([][]string{{"Run", strconv.FormatInt(report.ID, 10)}}, rows...)
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, report *model.RunReport) {
	md.H2("Summary")
	md.PlainText("")

	s := report.Stats
	counts := report.CountByVerdict()
	md.Table(markdown.TableSet{
		Header: []string{"Measure", "Count"},
		Rows: [][]string{
			{"Circuits", strconv.Itoa(s.TotalCircuits)},
			{"Failed circuits", fmt.Sprintf("%d (%.2f%%)", s.FailedCircuits, s.FailureRate())},
			{"Probed circuits", strconv.Itoa(s.ProbedCircuits)},
			{"Modules run", strconv.Itoa(s.ModulesRun)},
			{"✅ Clean", strconv.Itoa(counts[model.VerdictClean])},
			{"🔴 Suspicious", strconv.Itoa(counts[model.VerdictSuspicious])},
			{"⚪ Error", strconv.Itoa(counts[model.VerdictError])},
		},
	})
	md.PlainText("")

	if len(report.Results()) > 0 {
		w.writePieChart(md, counts)
	}
	w.writeAlert(md, report, counts)
}

func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, counts map[model.Verdict]int) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Verdict Distribution"),
		piechart.WithShowData(true),
	)

	for _, v := range []model.Verdict{model.VerdictClean, model.VerdictSuspicious, model.VerdictError} {
		if counts[v] > 0 {
			chart.LabelAndIntValue(verdictLabel(v), uint64(counts[v]))
		}
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, report *model.RunReport, counts map[model.Verdict]int) {
	switch {
	case counts[model.VerdictSuspicious] > 0:
		md.Warningf("%d exit relay result(s) look suspicious and should be reviewed.", counts[model.VerdictSuspicious])
	case report.Stats.ProbedCircuits == 0:
		md.Importantf("No circuit was probed. %d of %d circuits failed.", report.Stats.FailedCircuits, report.Stats.TotalCircuits)
	default:
		md.Tip("No suspicious exit relays detected.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeModules(md *markdown.Markdown, report *model.RunReport) {
	md.H2("Modules")
	md.PlainText("")

	if len(report.Modules) == 0 {
		md.PlainText("No modules run.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(report.Modules))
	for i, m := range report.Modules {
		state := "✅ Run"
		if m.Skipped() {
			state = "⚠️ Skipped: " + truncateString(m.Error, 60)
		}
		rows[i] = []string{
			"`" + m.Name + "`",
			strconv.Itoa(m.Selected),
			strconv.Itoa(m.ExitRelays),
			strconv.Itoa(m.Failed),
			strconv.Itoa(m.Probed),
			m.Duration.Round(time.Second).String(),
			state,
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Module", "Selected", "Exit Relays", "Failed", "Probed", "Duration", "Status"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeSuspicious(md *markdown.Markdown, report *model.RunReport) {
	md.H2("Suspicious Exits")
	md.PlainText("")

	suspicious := report.Suspicious()
	if len(suspicious) == 0 {
		md.PlainText("No suspicious exit relays detected.")
		md.PlainText("")
		return
	}
	w.writeRecordTable(md, suspicious)
}

// writeResults writes every result, one collapsible section per module.
func (w *MarkdownWriter) writeResults(md *markdown.Markdown, report *model.RunReport) {
	for _, m := range report.Modules {
		if len(m.Results) == 0 {
			continue
		}
		md.H3(title.String(m.Name) + " Results")
		md.PlainText("")
		w.writeRecordTable(md, m.Results)
	}
}

func (w *MarkdownWriter) writeRecordTable(md *markdown.Markdown, records []*model.ProbeRecord) {
	rows := make([][]string, len(records))
	for i, rec := range records {
		rows[i] = []string{
			rec.Module,
			truncateString(exitLabel(rec), 64),
			orDash(rec.ExitAddress),
			orDash(rec.Country),
			verdictLabel(rec.Verdict),
			truncateString(orDash(rec.Detail), 60),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Module", "Exit", "Address", "Country", "Verdict", "Detail"},
		Rows:   rows,
	})
	md.PlainText("")

	for _, rec := range records {
		if len(rec.Detail) > 60 {
			md.Details(exitLabel(rec), rec.Detail)
		}
	}
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [exitscan](https://github.com/nao1215/exitscan)*")
}

// WriteRuns outputs the run listing as a Markdown table.
func (w *MarkdownWriter) WriteRuns(runs []model.RunSummary) (int, error) {
	md := markdown.NewMarkdown(w.output)
	md.H1("Exitscan Runs")
	md.PlainText("")

	if len(runs) == 0 {
		md.PlainText("No runs stored.")
		return len(md.String()), md.Build()
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			strconv.FormatInt(r.ID, 10),
			r.StartedAt.Format(timeLayout),
			orDash(r.Country),
			strconv.Itoa(r.Stats.TotalCircuits),
			strconv.Itoa(r.Stats.FailedCircuits),
			strconv.Itoa(r.Stats.ProbedCircuits),
			strconv.Itoa(r.Suspicious),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Run", "Started", "Country", "Circuits", "Failed", "Probed", "Suspicious"},
		Rows:   rows,
	})
	return len(md.String()), md.Build()
}

// WriteExitHistory outputs the exit history as a Markdown table.
func (w *MarkdownWriter) WriteExitHistory(fingerprint string, entries []model.HistoryEntry) (int, error) {
	md := markdown.NewMarkdown(w.output)
	md.H1("History of `$" + fingerprint + "`")
	md.PlainText("")

	if len(entries) == 0 {
		md.PlainText("No results stored.")
		return len(md.String()), md.Build()
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			strconv.FormatInt(e.RunID, 10),
			e.Record.ProbedAt.Format(timeLayout),
			e.Record.Module,
			verdictLabel(e.Record.Verdict),
			truncateString(orDash(e.Record.Detail), 60),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Run", "Probed", "Module", "Verdict", "Detail"},
		Rows:   rows,
	})
	return len(md.String()), md.Build()
}
