// Package report renders run reports, run listings and exit relay
// histories.
//
// Three formats are provided:
//   - SimpleWriter: human-readable text for the terminal
//   - JSONWriter and FullJSONWriter: JSON for tool integration
//   - MarkdownWriter: Markdown for sharing, with a verdict pie chart
//
// Writers implement the Writer interface and can be combined with
// MultiWriter.
package report
