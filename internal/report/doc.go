// Package report renders run summaries.
//
// This package contains writers for different output formats:
//   - SimpleWriter: Human-readable text output for terminal display
//   - MarkdownWriter: Markdown for sharing a run in an issue or document
//   - JSONWriter: Structured JSON output for tool integration
//
// Writers never print the direct (baseline) identity. A Summary carries
// only the proxy and the exit identity observed through it.
package report
